package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed is returned when binary input is truncated or carries trailing bytes.
var ErrMalformed = errors.New("malformed encoding")

// Encoder appends big-endian fields to a buffer. All ledger values are
// encoded with it so that every replica produces identical bytes.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *Encoder) Uint16(v uint16) *Encoder {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
	return e
}

func (e *Encoder) Uint32(v uint32) *Encoder {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) Uint64(v uint64) *Encoder {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
	return e
}

// Fixed appends raw bytes without a length prefix.
func (e *Encoder) Fixed(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// String appends a u32 length prefix followed by the string bytes.
func (e *Encoder) String(s string) *Encoder {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

// ShortString appends a u16 length prefix followed by the string bytes.
// Strings longer than math.MaxUint16 are truncated.
func (e *Encoder) ShortString(s string) *Encoder {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	e.Uint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads fields written by Encoder. The first failure sticks; callers
// check Finish once at the end.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) take(n int, field string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = fmt.Errorf("%w: %s needs %d bytes, have %d", ErrMalformed, field, n, len(d.buf))
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *Decoder) Uint16(field string) uint16 {
	b := d.take(2, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) Uint32(field string) uint32 {
	b := d.take(4, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Uint64(field string) uint64 {
	b := d.take(8, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Fixed copies exactly len(dst) bytes into dst.
func (d *Decoder) Fixed(dst []byte, field string) {
	if b := d.take(len(dst), field); b != nil {
		copy(dst, b)
	}
}

func (d *Decoder) String(field string) string {
	n := d.Uint32(field)
	if d.err != nil {
		return ""
	}
	if uint64(n) > uint64(len(d.buf)) {
		d.err = fmt.Errorf("%w: %s length %d exceeds remaining %d bytes", ErrMalformed, field, n, len(d.buf))
		return ""
	}
	return string(d.take(int(n), field))
}

func (d *Decoder) ShortString(field string) string {
	n := d.Uint16(field)
	return string(d.take(int(n), field))
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf)
}

// Finish reports the first decoding error, or ErrMalformed if bytes are left over.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf))
	}
	return nil
}

// Err returns the first decoding error without checking for trailing bytes.
func (d *Decoder) Err() error {
	return d.err
}

// EncodeUser returns the canonical binary form of a user record.
func EncodeUser(u User) []byte {
	return NewEncoder(PublicKeySize+4+len(u.Name)+8+2+len(u.Address)).
		Fixed(u.PublicKey[:]).
		String(u.Name).
		Uint64(u.Balance).
		ShortString(u.Address).
		Bytes()
}

// DecodeUser parses a user record produced by EncodeUser.
func DecodeUser(b []byte) (User, error) {
	var u User
	d := NewDecoder(b)
	d.Fixed(u.PublicKey[:], "public_key")
	u.Name = d.String("name")
	u.Balance = d.Uint64("balance")
	u.Address = d.ShortString("address")
	if err := d.Finish(); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}
