package proofs

import (
	"bytes"
	"fmt"
)

const (
	vmTagEVM  = 0
	vmTagWASM = 3
)

// CheckVMSource checks the emitter encoded in a Substrate event payload. A
// 32-byte source whose first 12 bytes are zero names an EVM contract and must
// appear as payload[2:22] with tag 0 at payload[1]; any other source names a
// WASM contract and must appear as payload[2:34] with tag 3.
func CheckVMSource(source []byte, payload []byte) error {
	if len(source) == 0 {
		return nil
	}
	if len(source) != 32 {
		return fmt.Errorf("%w: source must be 32 bytes", ErrUnexpectedSource)
	}
	if bytes.Equal(source[:12], make([]byte, 12)) {
		if len(payload) < 22 {
			return ErrUnexpectedLength
		}
		if payload[1] != vmTagEVM || !bytes.Equal(payload[2:22], source[12:]) {
			return ErrUnexpectedSource
		}
		return nil
	}
	if len(payload) < 34 {
		return ErrUnexpectedLength
	}
	if payload[1] != vmTagWASM || !bytes.Equal(payload[2:34], source) {
		return ErrUnexpectedSource
	}
	return nil
}

// ContainsEvent reports whether payload occurs inside the encoded events.
func ContainsEvent(events []byte, payload []byte) error {
	if len(payload) == 0 {
		return ErrUnexpectedLength
	}
	if !bytes.Contains(events, payload) {
		return ErrEventNotIncluded
	}
	return nil
}
