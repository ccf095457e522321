// File: protocol/auth.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Password response computation for the authentication methods the
// startup exchange supports.

package protocol

import (
	"crypto/md5"
	"encoding/hex"
)

// MD5Response derives the MD5Password answer:
// "md5" + md5hex(md5hex(password+user) + salt).
func MD5Response(user, password string, salt [4]byte) string {
	inner := md5hex([]byte(password + user))
	return "md5" + md5hex(append([]byte(inner), salt[:]...))
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
