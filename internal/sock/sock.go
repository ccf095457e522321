// internal/sock/sock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral address carrier for the non-blocking socket layer.

package sock

import (
	"net"
	"strconv"
)

// Addr names one concrete connect target: either a TCP ip:port or a
// unix-domain socket path.
type Addr struct {
	IP   net.IP
	Port int
	Path string // non-empty means unix-domain
}

// Unix reports whether the address is a unix-domain socket path.
func (a Addr) Unix() bool { return a.Path != "" }

func (a Addr) String() string {
	if a.Unix() {
		return a.Path
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}
