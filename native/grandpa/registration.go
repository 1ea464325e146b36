package grandpa

import (
	"fmt"

	"circuit/codec/scale"
	"circuit/core/types"
)

const (
	registrationRelay     uint8 = 0
	registrationParachain uint8 = 1
)

// Registration is the payload that initializes a GRANDPA gateway. Exactly one
// of Relay or Parachain is set.
type Registration struct {
	Relay     *RelayRegistration
	Parachain *ParachainRegistration
}

// RelayRegistration carries the trusted header and voter set of a relay chain.
type RelayRegistration struct {
	FirstHeader Header
	Authorities []Authority
	SetID       uint64
	Owner       *types.AccountID
}

// ParachainRegistration links a parachain to its registered relay chain.
type ParachainRegistration struct {
	RelayID types.GatewayID
	ParaID  uint32
}

// Encode returns the SCALE encoding of the registration.
func (r *Registration) Encode() ([]byte, error) {
	enc := scale.NewEncoder()
	switch {
	case r.Relay != nil:
		enc.PutU8(registrationRelay)
		enc.PutBytes(r.Relay.FirstHeader.Encode())
		encodeAuthorities(enc, r.Relay.Authorities)
		enc.PutU64(r.Relay.SetID)
		enc.PutOption(r.Relay.Owner != nil)
		if r.Relay.Owner != nil {
			enc.PutFixed(r.Relay.Owner[:])
		}
	case r.Parachain != nil:
		enc.PutU8(registrationParachain)
		enc.PutFixed(r.Parachain.RelayID[:])
		enc.PutU32(r.Parachain.ParaID)
	default:
		return nil, fmt.Errorf("%w: empty registration", ErrRegistrationDecoding)
	}
	return enc.Bytes(), nil
}

// DecodeRegistration parses a SCALE encoded registration.
func DecodeRegistration(data []byte) (*Registration, error) {
	wrap := func(err error) error { return fmt.Errorf("%w: %v", ErrRegistrationDecoding, err) }
	dec := scale.NewDecoder(data)
	tag, err := dec.U8()
	if err != nil {
		return nil, wrap(err)
	}
	var out Registration
	switch tag {
	case registrationRelay:
		raw, err := dec.Bytes()
		if err != nil {
			return nil, wrap(err)
		}
		header, err := DecodeHeader(raw)
		if err != nil {
			return nil, err
		}
		relay := &RelayRegistration{FirstHeader: *header}
		if relay.Authorities, err = decodeAuthorities(dec); err != nil {
			return nil, wrap(err)
		}
		if relay.SetID, err = dec.U64(); err != nil {
			return nil, wrap(err)
		}
		hasOwner, err := dec.Option()
		if err != nil {
			return nil, wrap(err)
		}
		if hasOwner {
			raw, err := dec.Fixed(32)
			if err != nil {
				return nil, wrap(err)
			}
			var owner types.AccountID
			copy(owner[:], raw)
			relay.Owner = &owner
		}
		out.Relay = relay
	case registrationParachain:
		raw, err := dec.Fixed(4)
		if err != nil {
			return nil, wrap(err)
		}
		para := &ParachainRegistration{}
		copy(para.RelayID[:], raw)
		if para.ParaID, err = dec.U32(); err != nil {
			return nil, wrap(err)
		}
		out.Parachain = para
	default:
		return nil, fmt.Errorf("%w: unknown registration tag %d", ErrRegistrationDecoding, tag)
	}
	if err := dec.Done(); err != nil {
		return nil, wrap(err)
	}
	return &out, nil
}

// HeaderData is a forward range of headers closed by a justified header.
type HeaderData struct {
	Range         []Header
	SignedHeader  Header
	Justification Justification
}

// Encode returns the SCALE encoding of the header data.
func (d *HeaderData) Encode() []byte {
	enc := scale.NewEncoder()
	enc.PutCompact(uint64(len(d.Range)))
	for i := range d.Range {
		enc.PutFixed(d.Range[i].Encode())
	}
	enc.PutFixed(d.SignedHeader.Encode())
	d.Justification.encodeTo(enc)
	return enc.Bytes()
}

// DecodeHeaderData parses SCALE encoded header data.
func DecodeHeaderData(data []byte) (*HeaderData, error) {
	dec := scale.NewDecoder(data)
	count, err := dec.Compact()
	if err != nil {
		return nil, fmt.Errorf("%w: range length: %v", ErrHeaderDecoding, err)
	}
	if count > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("%w: range length %d exceeds input", ErrHeaderDecoding, count)
	}
	var out HeaderData
	for i := uint64(0); i < count; i++ {
		h, err := decodeHeader(dec)
		if err != nil {
			return nil, err
		}
		out.Range = append(out.Range, *h)
	}
	signed, err := decodeHeader(dec)
	if err != nil {
		return nil, err
	}
	out.SignedHeader = *signed
	j, err := decodeJustification(dec)
	if err != nil {
		return nil, err
	}
	out.Justification = *j
	if err := dec.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderDecoding, err)
	}
	return &out, nil
}
