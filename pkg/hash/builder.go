// Package hash builds canonical byte encodings and hashes them. The result is
// used as an idempotency key wherever a record crosses a process boundary
// (Kafka message keys, archive primary keys, mock chain hashes).
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

type Hash32 [32]byte

// Hex 返回带 0x 前缀的小写 hex
func (h Hash32) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash32) Bytes() []byte { return append([]byte(nil), h[:]...) }

// Builder appends fields in a canonical form:
//   - fixed-width integers big-endian
//   - bytes and strings as u32(len) + bytes
//   - hex strings decoded to bytes first, so "0xAB" and "ab" hash the same
type Builder struct {
	b []byte
}

func NewBuilder() *Builder { return &Builder{b: make([]byte, 0, 128)} }

func (d *Builder) Reset() { d.b = d.b[:0] }

func (d *Builder) PutU64(v uint64) *Builder {
	d.b = binary.BigEndian.AppendUint64(d.b, v)
	return d
}

func (d *Builder) PutU32(v uint32) *Builder {
	d.b = binary.BigEndian.AppendUint32(d.b, v)
	return d
}

func (d *Builder) PutBool(v bool) *Builder {
	if v {
		d.b = append(d.b, 1)
	} else {
		d.b = append(d.b, 0)
	}
	return d
}

func (d *Builder) PutBytes(p []byte) *Builder {
	d.b = binary.BigEndian.AppendUint32(d.b, uint32(len(p)))
	d.b = append(d.b, p...)
	return d
}

func (d *Builder) PutString(s string) *Builder { return d.PutBytes([]byte(s)) }

// PutHex decodes a "0x..." string and appends the raw bytes. An odd number
// of digits is left-padded with one nibble.
func (d *Builder) PutHex(s string) (*Builder, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return d.PutBytes(nil), nil
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("hash: decode hex %q: %w", s, err)
	}
	return d.PutBytes(b), nil
}

func (d *Builder) Sum32() Hash32 { return sha256.Sum256(d.b) }

func SumU64(vals ...uint64) Hash32 {
	b := NewBuilder()
	for _, v := range vals {
		b.PutU64(v)
	}
	return b.Sum32()
}
