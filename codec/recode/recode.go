package recode

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"circuit/codec/scale"
)

// ErrRecodeFailed wraps every decoding or encoding failure.
var ErrRecodeFailed = errors.New("recode: failed")

// Value is the codec-neutral form of a decoded payload.
type Value struct {
	Uint    *big.Int
	Bool    bool
	Bytes   []byte
	Items   []Value
	Present bool
}

// Recode decodes payload with from and re-encodes it with to.
func Recode(payload []byte, desc Descriptor, from, to Codec) ([]byte, error) {
	value, err := Decode(from, desc, payload)
	if err != nil {
		return nil, err
	}
	return Encode(to, desc, value)
}

// Decode parses payload fully according to desc.
func Decode(codec Codec, desc Descriptor, payload []byte) (Value, error) {
	switch codec {
	case SCALE:
		d := scale.NewDecoder(payload)
		v, err := decodeSCALE(d, desc)
		if err != nil {
			return Value{}, fmt.Errorf("%w: scale %s: %v", ErrRecodeFailed, desc.label(), err)
		}
		if err := d.Done(); err != nil {
			return Value{}, fmt.Errorf("%w: scale %s: %v", ErrRecodeFailed, desc.label(), err)
		}
		return v, nil
	case RLP:
		v, rest, err := decodeRLP(payload, desc)
		if err != nil {
			return Value{}, fmt.Errorf("%w: rlp %s: %v", ErrRecodeFailed, desc.label(), err)
		}
		if len(rest) != 0 {
			return Value{}, fmt.Errorf("%w: rlp %s: %d trailing bytes", ErrRecodeFailed, desc.label(), len(rest))
		}
		return v, nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported codec %s", ErrRecodeFailed, codec)
	}
}

// Encode serialises value according to desc.
func Encode(codec Codec, desc Descriptor, value Value) ([]byte, error) {
	switch codec {
	case SCALE:
		e := scale.NewEncoder()
		if err := encodeSCALE(e, desc, value); err != nil {
			return nil, fmt.Errorf("%w: scale %s: %v", ErrRecodeFailed, desc.label(), err)
		}
		return e.Bytes(), nil
	case RLP:
		out, err := encodeRLP(desc, value)
		if err != nil {
			return nil, fmt.Errorf("%w: rlp %s: %v", ErrRecodeFailed, desc.label(), err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported codec %s", ErrRecodeFailed, codec)
	}
}

func bitsFor(kind Kind) int {
	switch kind {
	case KindU8:
		return 8
	case KindU16:
		return 16
	case KindU32:
		return 32
	case KindU64:
		return 64
	case KindU128:
		return 128
	default:
		return 0
	}
}

func checkUint(desc Descriptor, v *big.Int) (*big.Int, error) {
	if v == nil {
		return new(big.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s: negative value", desc.label())
	}
	if v.BitLen() > bitsFor(desc.Kind) {
		return nil, fmt.Errorf("%s: value %s overflows", desc.label(), v)
	}
	return v, nil
}

func decodeSCALE(d *scale.Decoder, desc Descriptor) (Value, error) {
	switch desc.Kind {
	case KindU8:
		v, err := d.U8()
		return Value{Uint: new(big.Int).SetUint64(uint64(v))}, err
	case KindU16:
		v, err := d.U16()
		return Value{Uint: new(big.Int).SetUint64(uint64(v))}, err
	case KindU32:
		v, err := d.U32()
		return Value{Uint: new(big.Int).SetUint64(uint64(v))}, err
	case KindU64:
		v, err := d.U64()
		return Value{Uint: new(big.Int).SetUint64(v)}, err
	case KindU128:
		v, err := d.U128()
		return Value{Uint: v}, err
	case KindBool:
		v, err := d.Bool()
		return Value{Bool: v}, err
	case KindFixed:
		raw, err := d.Fixed(desc.Size)
		if err != nil {
			return Value{}, err
		}
		return Value{Bytes: append([]byte(nil), raw...)}, nil
	case KindBytes:
		raw, err := d.Bytes()
		return Value{Bytes: raw}, err
	case KindSeq:
		n, err := d.Compact()
		if err != nil {
			return Value{}, err
		}
		if n > uint64(d.Remaining()) {
			return Value{}, scale.ErrUnexpectedEOF
		}
		items := make([]Value, 0, n)
		for i := uint64(0); i < n; i++ {
			item, err := decodeSCALE(d, *desc.Elem)
			if err != nil {
				return Value{}, fmt.Errorf("%s[%d]: %w", desc.label(), i, err)
			}
			items = append(items, item)
		}
		return Value{Items: items}, nil
	case KindTuple:
		items := make([]Value, 0, len(desc.Fields))
		for _, field := range desc.Fields {
			item, err := decodeSCALE(d, field)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", field.label(), err)
			}
			items = append(items, item)
		}
		return Value{Items: items}, nil
	case KindOption:
		present, err := d.Option()
		if err != nil || !present {
			return Value{}, err
		}
		inner, err := decodeSCALE(d, *desc.Elem)
		if err != nil {
			return Value{}, err
		}
		return Value{Present: true, Items: []Value{inner}}, nil
	default:
		return Value{}, fmt.Errorf("unknown descriptor kind %d", desc.Kind)
	}
}

func encodeSCALE(e *scale.Encoder, desc Descriptor, v Value) error {
	switch desc.Kind {
	case KindU8, KindU16, KindU32, KindU64, KindU128:
		n, err := checkUint(desc, v.Uint)
		if err != nil {
			return err
		}
		switch desc.Kind {
		case KindU8:
			e.PutU8(uint8(n.Uint64()))
		case KindU16:
			e.PutU16(uint16(n.Uint64()))
		case KindU32:
			e.PutU32(uint32(n.Uint64()))
		case KindU64:
			e.PutU64(n.Uint64())
		default:
			return e.PutU128(n)
		}
		return nil
	case KindBool:
		e.PutBool(v.Bool)
		return nil
	case KindFixed:
		if len(v.Bytes) != desc.Size {
			return fmt.Errorf("%s: expected %d bytes, got %d", desc.label(), desc.Size, len(v.Bytes))
		}
		e.PutFixed(v.Bytes)
		return nil
	case KindBytes:
		e.PutBytes(v.Bytes)
		return nil
	case KindSeq:
		e.PutCompact(uint64(len(v.Items)))
		for i, item := range v.Items {
			if err := encodeSCALE(e, *desc.Elem, item); err != nil {
				return fmt.Errorf("%s[%d]: %w", desc.label(), i, err)
			}
		}
		return nil
	case KindTuple:
		if len(v.Items) != len(desc.Fields) {
			return fmt.Errorf("%s: expected %d fields, got %d", desc.label(), len(desc.Fields), len(v.Items))
		}
		for i, field := range desc.Fields {
			if err := encodeSCALE(e, field, v.Items[i]); err != nil {
				return fmt.Errorf("%s: %w", field.label(), err)
			}
		}
		return nil
	case KindOption:
		e.PutOption(v.Present)
		if !v.Present {
			return nil
		}
		if len(v.Items) != 1 {
			return fmt.Errorf("%s: present option without value", desc.label())
		}
		return encodeSCALE(e, *desc.Elem, v.Items[0])
	default:
		return fmt.Errorf("unknown descriptor kind %d", desc.Kind)
	}
}

func decodeRLP(data []byte, desc Descriptor) (Value, []byte, error) {
	kind, content, rest, err := rlp.Split(data)
	if err != nil {
		return Value{}, nil, err
	}
	switch desc.Kind {
	case KindU8, KindU16, KindU32, KindU64, KindU128, KindBool:
		if kind == rlp.List {
			return Value{}, nil, fmt.Errorf("%s: expected string, got list", desc.label())
		}
		if kind == rlp.String && len(content) > 0 && content[0] == 0 {
			return Value{}, nil, fmt.Errorf("%s: non-canonical integer", desc.label())
		}
		n := new(big.Int).SetBytes(content)
		if desc.Kind == KindBool {
			if n.BitLen() > 1 {
				return Value{}, nil, fmt.Errorf("%s: invalid bool", desc.label())
			}
			return Value{Bool: n.Sign() != 0}, rest, nil
		}
		if n.BitLen() > bitsFor(desc.Kind) {
			return Value{}, nil, fmt.Errorf("%s: value overflows", desc.label())
		}
		return Value{Uint: n}, rest, nil
	case KindFixed, KindBytes:
		if kind == rlp.List {
			return Value{}, nil, fmt.Errorf("%s: expected string, got list", desc.label())
		}
		if desc.Kind == KindFixed && len(content) != desc.Size {
			return Value{}, nil, fmt.Errorf("%s: expected %d bytes, got %d", desc.label(), desc.Size, len(content))
		}
		return Value{Bytes: append([]byte(nil), content...)}, rest, nil
	case KindSeq, KindTuple, KindOption:
		if kind != rlp.List {
			return Value{}, nil, fmt.Errorf("%s: expected list", desc.label())
		}
		var items []Value
		remaining := content
		idx := 0
		for len(remaining) > 0 {
			var elem Descriptor
			switch desc.Kind {
			case KindTuple:
				if idx >= len(desc.Fields) {
					return Value{}, nil, fmt.Errorf("%s: too many fields", desc.label())
				}
				elem = desc.Fields[idx]
			default:
				elem = *desc.Elem
			}
			item, next, err := decodeRLP(remaining, elem)
			if err != nil {
				return Value{}, nil, fmt.Errorf("%s[%d]: %w", desc.label(), idx, err)
			}
			items = append(items, item)
			remaining = next
			idx++
		}
		switch desc.Kind {
		case KindTuple:
			if len(items) != len(desc.Fields) {
				return Value{}, nil, fmt.Errorf("%s: expected %d fields, got %d", desc.label(), len(desc.Fields), len(items))
			}
		case KindOption:
			if len(items) > 1 {
				return Value{}, nil, fmt.Errorf("%s: option with %d values", desc.label(), len(items))
			}
			return Value{Present: len(items) == 1, Items: items}, rest, nil
		}
		return Value{Items: items}, rest, nil
	default:
		return Value{}, nil, fmt.Errorf("unknown descriptor kind %d", desc.Kind)
	}
}

func encodeRLP(desc Descriptor, v Value) ([]byte, error) {
	switch desc.Kind {
	case KindU8, KindU16, KindU32, KindU64, KindU128:
		n, err := checkUint(desc, v.Uint)
		if err != nil {
			return nil, err
		}
		return rlp.EncodeToBytes(n)
	case KindBool:
		return rlp.EncodeToBytes(v.Bool)
	case KindFixed:
		if len(v.Bytes) != desc.Size {
			return nil, fmt.Errorf("%s: expected %d bytes, got %d", desc.label(), desc.Size, len(v.Bytes))
		}
		return rlp.EncodeToBytes(v.Bytes)
	case KindBytes:
		return rlp.EncodeToBytes(v.Bytes)
	case KindSeq, KindTuple, KindOption:
		var fields []Descriptor
		items := v.Items
		switch desc.Kind {
		case KindTuple:
			if len(items) != len(desc.Fields) {
				return nil, fmt.Errorf("%s: expected %d fields, got %d", desc.label(), len(desc.Fields), len(items))
			}
			fields = desc.Fields
		case KindOption:
			if !v.Present {
				items = nil
			} else if len(items) != 1 {
				return nil, fmt.Errorf("%s: present option without value", desc.label())
			}
		}
		raw := make([]rlp.RawValue, 0, len(items))
		for i, item := range items {
			elem := desc.Elem
			if fields != nil {
				elem = &fields[i]
			}
			enc, err := encodeRLP(*elem, item)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", desc.label(), i, err)
			}
			raw = append(raw, enc)
		}
		return rlp.EncodeToBytes(raw)
	default:
		return nil, fmt.Errorf("unknown descriptor kind %d", desc.Kind)
	}
}
