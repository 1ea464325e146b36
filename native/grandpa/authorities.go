package grandpa

import (
	"fmt"

	"circuit/codec/scale"
)

const (
	consensusScheduledChange uint8 = 1
	consensusForcedChange    uint8 = 2
)

// ScheduledChange announces the next authority set.
type ScheduledChange struct {
	NextAuthorities []Authority
	Delay           uint32
}

// EncodeScheduledChange returns the FRNK consensus log announcing change.
func EncodeScheduledChange(change ScheduledChange) []byte {
	enc := scale.NewEncoder()
	enc.PutU8(consensusScheduledChange)
	encodeAuthorities(enc, change.NextAuthorities)
	enc.PutU32(change.Delay)
	return enc.Bytes()
}

func encodeAuthorities(enc *scale.Encoder, list []Authority) {
	enc.PutCompact(uint64(len(list)))
	for _, a := range list {
		enc.PutFixed(a.ID[:])
		enc.PutU64(a.Weight)
	}
}

func decodeAuthorities(dec *scale.Decoder) ([]Authority, error) {
	count, err := dec.Compact()
	if err != nil {
		return nil, err
	}
	if count*40 > uint64(dec.Remaining()) {
		return nil, scale.ErrUnexpectedEOF
	}
	out := make([]Authority, 0, count)
	for i := uint64(0); i < count; i++ {
		var a Authority
		id, err := dec.Fixed(32)
		if err != nil {
			return nil, err
		}
		copy(a.ID[:], id)
		if a.Weight, err = dec.U64(); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// findScheduledChange scans the digest of h for a GRANDPA authority change.
// Only an immediate scheduled change is supported; forced changes and delayed
// changes need governance and are rejected.
func findScheduledChange(h *Header) (*ScheduledChange, error) {
	for _, item := range h.Digest {
		if item.Kind != DigestConsensus || item.Engine != GrandpaEngineID || len(item.Data) == 0 {
			continue
		}
		switch item.Data[0] {
		case consensusScheduledChange:
			dec := scale.NewDecoder(item.Data[1:])
			next, err := decodeAuthorities(dec)
			if err != nil {
				return nil, fmt.Errorf("%w: scheduled change: %v", ErrHeaderDecoding, err)
			}
			delay, err := dec.U32()
			if err != nil {
				return nil, fmt.Errorf("%w: scheduled change delay: %v", ErrHeaderDecoding, err)
			}
			if delay != 0 {
				return nil, ErrUnsupportedScheduledChange
			}
			return &ScheduledChange{NextAuthorities: next, Delay: delay}, nil
		case consensusForcedChange:
			return nil, ErrUnsupportedScheduledChange
		}
	}
	return nil, nil
}
