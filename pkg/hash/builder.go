package hash

import (
	"crypto/sha256"
	"encoding/binary"
)

// Builder accumulates a canonical encoding and digests it with sha256.
// Each string is written as u32(len) big-endian followed by its bytes, so
// ("ab","c") and ("a","bc") never share a digest.
type Builder struct {
	b []byte
}

func NewBuilder() *Builder { return &Builder{b: make([]byte, 0, 128)} }

func (d *Builder) PutString(s string) *Builder {
	d.b = binary.BigEndian.AppendUint32(d.b, uint32(len(s)))
	d.b = append(d.b, s...)
	return d
}

// PutStrings writes each value in order, each with its own length prefix.
func (d *Builder) PutStrings(ss ...string) *Builder {
	for _, s := range ss {
		d.PutString(s)
	}
	return d
}

func (d *Builder) Sum32() Hash32 { return sha256.Sum256(d.b) }
