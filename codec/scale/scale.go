// Package scale implements the SCALE binary codec used by Substrate chains:
// little-endian fixed width integers, compact integers and length-prefixed
// vectors.
package scale

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
)

var (
	ErrUnexpectedEOF   = errors.New("scale: unexpected end of input")
	ErrTrailingBytes   = errors.New("scale: trailing bytes")
	ErrValueOverflow   = errors.New("scale: value does not fit")
	ErrInvalidBool     = errors.New("scale: invalid bool")
	ErrInvalidOption   = errors.New("scale: invalid option tag")
	ErrNegativeInteger = errors.New("scale: negative integer")
)

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Encoder appends SCALE encoded values to an internal buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutU8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *Encoder) PutU16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }

func (e *Encoder) PutU32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *Encoder) PutU64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

// PutU128 writes v as a 16 byte little-endian integer. Nil encodes as zero.
func (e *Encoder) PutU128(v *big.Int) error {
	raw, err := U128Bytes(v)
	if err != nil {
		return err
	}
	e.buf = append(e.buf, raw[:]...)
	return nil
}

// PutFixed writes raw bytes without a length prefix.
func (e *Encoder) PutFixed(b []byte) { e.buf = append(e.buf, b...) }

// PutBytes writes a compact length prefix followed by b.
func (e *Encoder) PutBytes(b []byte) {
	e.PutCompact(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// PutOption writes the option tag. The caller encodes the value when present.
func (e *Encoder) PutOption(present bool) { e.PutBool(present) }

// PutCompact writes v in compact form.
func (e *Encoder) PutCompact(v uint64) {
	switch {
	case v < 1<<6:
		e.buf = append(e.buf, byte(v<<2))
	case v < 1<<14:
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v<<2)|0b01)
	case v < 1<<30:
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v<<2)|0b10)
	default:
		n := 0
		for tmp := v; tmp > 0; tmp >>= 8 {
			n++
		}
		if n < 4 {
			n = 4
		}
		e.buf = append(e.buf, byte((n-4)<<2)|0b11)
		for i := 0; i < n; i++ {
			e.buf = append(e.buf, byte(v>>(8*i)))
		}
	}
}

// Decoder reads SCALE values from a byte slice.
type Decoder struct {
	data []byte
	off  int
}

// NewDecoder returns a decoder over data.
func NewDecoder(data []byte) *Decoder { return &Decoder{data: data} }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.off }

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.off }

// Done fails when unread bytes remain.
func (d *Decoder) Done() error {
	if d.Remaining() != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, d.Remaining())
	}
	return nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrUnexpectedEOF
	}
	out := d.data[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *Decoder) U8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Bool() (bool, error) {
	b, err := d.U8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

func (d *Decoder) U16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) U32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) U64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Decoder) U128() (*big.Int, error) {
	b, err := d.take(16)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 16)
	for i := range b {
		be[15-i] = b[i]
	}
	return new(big.Int).SetBytes(be), nil
}

// Fixed reads exactly n raw bytes. The result aliases the input.
func (d *Decoder) Fixed(n int) ([]byte, error) { return d.take(n) }

// Bytes reads a compact length prefix and the bytes that follow.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Compact()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, ErrUnexpectedEOF
	}
	out, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), out...), nil
}

// Option reads an option tag.
func (d *Decoder) Option() (bool, error) {
	b, err := d.U8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidOption
	}
}

// Compact reads a compact integer that fits in 64 bits.
func (d *Decoder) Compact() (uint64, error) {
	first, err := d.U8()
	if err != nil {
		return 0, err
	}
	switch first & 0b11 {
	case 0b00:
		return uint64(first >> 2), nil
	case 0b01:
		next, err := d.U8()
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16([]byte{first, next}) >> 2), nil
	case 0b10:
		rest, err := d.take(3)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32([]byte{first, rest[0], rest[1], rest[2]}) >> 2), nil
	default:
		n := int(first>>2) + 4
		if n > 8 {
			return 0, ErrValueOverflow
		}
		raw, err := d.take(n)
		if err != nil {
			return 0, err
		}
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(raw[i])
		}
		return v, nil
	}
}

// CompactU32 reads a compact integer and checks it fits in 32 bits.
func (d *Decoder) CompactU32() (uint32, error) {
	v, err := d.Compact()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, ErrValueOverflow
	}
	return uint32(v), nil
}

// U128Bytes returns the 16 byte little-endian form of v.
func U128Bytes(v *big.Int) ([16]byte, error) {
	var out [16]byte
	if v == nil {
		return out, nil
	}
	if v.Sign() < 0 {
		return out, ErrNegativeInteger
	}
	if v.Cmp(maxU128) > 0 {
		return out, ErrValueOverflow
	}
	be := v.Bytes()
	for i := range be {
		out[i] = be[len(be)-1-i]
	}
	return out, nil
}

// EncodeCompact returns the compact encoding of v.
func EncodeCompact(v uint64) []byte {
	e := NewEncoder()
	e.PutCompact(v)
	return e.Bytes()
}

// EncodeBytes returns b with a compact length prefix.
func EncodeBytes(b []byte) []byte {
	e := NewEncoder()
	e.PutBytes(b)
	return e.Bytes()
}

// DecodeBytes decodes a length-prefixed byte vector that spans all of data.
func DecodeBytes(data []byte) ([]byte, error) {
	d := NewDecoder(data)
	out, err := d.Bytes()
	if err != nil {
		return nil, err
	}
	if err := d.Done(); err != nil {
		return nil, err
	}
	return out, nil
}
