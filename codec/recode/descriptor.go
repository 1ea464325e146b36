// Package recode translates payloads between the SCALE and RLP codecs. Both
// sides are described by the same typed descriptor tree, so recoding is a
// structural walk: decode into a neutral value tree, then encode it again.
package recode

import (
	"fmt"
	"strings"
)

// Kind enumerates descriptor node types.
type Kind uint8

const (
	KindU8 Kind = iota
	KindU16
	KindU32
	KindU64
	KindU128
	KindBool
	KindFixed
	KindBytes
	KindSeq
	KindTuple
	KindOption
)

// Codec names a wire format.
type Codec uint8

const (
	SCALE Codec = iota
	RLP
)

func (c Codec) String() string {
	switch c {
	case SCALE:
		return "scale"
	case RLP:
		return "rlp"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec parses "scale" or "rlp".
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scale":
		return SCALE, nil
	case "rlp":
		return RLP, nil
	default:
		return 0, fmt.Errorf("recode: unknown codec %q", s)
	}
}

// Descriptor is a typed tree describing a payload layout.
type Descriptor struct {
	Kind   Kind
	Name   string
	Size   int
	Elem   *Descriptor
	Fields []Descriptor
}

func U8() Descriptor   { return Descriptor{Kind: KindU8} }
func U16() Descriptor  { return Descriptor{Kind: KindU16} }
func U32() Descriptor  { return Descriptor{Kind: KindU32} }
func U64() Descriptor  { return Descriptor{Kind: KindU64} }
func U128() Descriptor { return Descriptor{Kind: KindU128} }
func Bool() Descriptor { return Descriptor{Kind: KindBool} }

// Fixed describes a byte array of exactly size bytes.
func Fixed(size int) Descriptor { return Descriptor{Kind: KindFixed, Size: size} }

// Bytes describes a variable length byte string.
func Bytes() Descriptor { return Descriptor{Kind: KindBytes} }

// Seq describes a homogeneous sequence.
func Seq(elem Descriptor) Descriptor { return Descriptor{Kind: KindSeq, Elem: &elem} }

// Option describes an optional value.
func Option(elem Descriptor) Descriptor { return Descriptor{Kind: KindOption, Elem: &elem} }

// Tuple describes an ordered, heterogeneous group. Struct layouts are tuples
// with named fields.
func Tuple(fields ...Descriptor) Descriptor { return Descriptor{Kind: KindTuple, Fields: fields} }

// Named returns a copy of d carrying a field name, used in error messages.
func (d Descriptor) Named(name string) Descriptor {
	d.Name = name
	return d
}

func (d Descriptor) label() string {
	if d.Name != "" {
		return d.Name
	}
	switch d.Kind {
	case KindU8:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindU128:
		return "u128"
	case KindBool:
		return "bool"
	case KindFixed:
		return fmt.Sprintf("[%d]byte", d.Size)
	case KindBytes:
		return "bytes"
	case KindSeq:
		return "seq"
	case KindTuple:
		return "tuple"
	case KindOption:
		return "option"
	default:
		return "unknown"
	}
}

// EscrowBatchSuccess is the payload emitted by a target's escrow contract when
// a batch is accepted: the attester signatures, the message hash and the
// message itself.
var EscrowBatchSuccess = Tuple(
	Seq(Tuple(U32().Named("attester_index"), Bytes().Named("signature"))).Named("signatures"),
	Fixed(32).Named("message_hash"),
	Bytes().Named("message"),
).Named("EscrowBatchSuccess")

// EVMLog is the envelope of an EVM log entry.
var EVMLog = Tuple(
	Fixed(20).Named("address"),
	Seq(Fixed(32)).Named("topics"),
	Bytes().Named("data"),
).Named("EVMLog")
