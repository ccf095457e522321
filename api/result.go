// Package api
// Author: momentics@gmail.com
//
// Query result carriers. Values stay raw wire bytes; rich materialization
// is left to callers.

package api

import "strconv"

// FieldDescription describes one column of a result set, as reported in
// the RowDescription message.
type FieldDescription struct {
	Name                 string
	TableOID             uint32
	TableAttributeNumber uint16
	DataTypeOID          uint32
	DataTypeSize         int16
	TypeModifier         int32
	Format               int16
}

// CommandTag is the command-completion tag, e.g. "SELECT 1" or
// "UPDATE 42".
type CommandTag string

// RowsAffected parses the trailing row count of the tag, or 0 when the
// tag carries none.
func (t CommandTag) RowsAffected() int64 {
	s := string(t)
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] >= '0' && s[i] <= '9' {
			idx = i
			continue
		}
		break
	}
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(s[idx:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Result is one fully collected result set. A single command string may
// produce several. All storage is owned by the Result; nothing aliases
// the connection's wire buffers.
type Result struct {
	Fields     []FieldDescription
	Rows       [][][]byte
	CommandTag CommandTag
}
