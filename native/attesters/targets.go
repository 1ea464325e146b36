package attesters

import (
	"bytes"
	"fmt"

	"circuit/core/types"
	"circuit/crypto"
)

func recoverableKey(target types.GatewayID, who types.AccountID) []byte {
	return []byte(fmt.Sprintf("attesters/recoverable/%x/%x", target[:], who[:]))
}

func (e *Engine) targets(key []byte) ([]types.GatewayID, error) {
	var raw [][]byte
	if err := e.state.KVGetList(key, &raw); err != nil {
		return nil, err
	}
	out := make([]types.GatewayID, len(raw))
	for i, item := range raw {
		copy(out[i][:], item)
	}
	return out, nil
}

// ActiveTargets lists the gateways batches are built for.
func (e *Engine) ActiveTargets() ([]types.GatewayID, error) { return e.targets(targetList) }

// PendingTargets lists targets waiting for the active set to agree.
func (e *Engine) PendingTargets() ([]types.GatewayID, error) { return e.targets(pendingTargetList) }

// IsTargetActive reports whether batches are built for target.
func (e *Engine) IsTargetActive(target types.GatewayID) bool {
	active, err := e.ActiveTargets()
	if err != nil {
		return false
	}
	return containsTarget(active, target)
}

func containsTarget(list []types.GatewayID, target types.GatewayID) bool {
	for _, t := range list {
		if t == target {
			return true
		}
	}
	return false
}

// ethereumTarget reports whether target verifies ECDSA attestations against
// Ethereum addresses rather than ed25519 against account ids.
func (e *Engine) ethereumTarget(target types.GatewayID) (bool, error) {
	vendor, err := e.registry.VerificationVendor(target)
	if err != nil {
		return false, err
	}
	return vendor.Ethereum(), nil
}

// AddAttestationTarget proposes target for attestation. It activates once
// every active attester agreed to it.
func (e *Engine) AddAttestationTarget(origin types.Origin, target types.GatewayID) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	if _, err := e.registry.Gateway(target); err != nil {
		return err
	}
	pending, err := e.PendingTargets()
	if err != nil {
		return err
	}
	if e.IsTargetActive(target) || containsTarget(pending, target) {
		return ErrTargetAlreadyActive
	}
	if err := e.state.KVAppend(pendingTargetList, target[:]); err != nil {
		return err
	}
	e.emit(newTargetEvent(EventTypeTargetAdded, target))
	return e.maybeActivate(target)
}

// RemoveAttestationTarget drops target, pending or active, when present.
func (e *Engine) RemoveAttestationTarget(origin types.Origin, target types.GatewayID) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	pending, err := e.PendingTargets()
	if err != nil {
		return err
	}
	if !e.IsTargetActive(target) && !containsTarget(pending, target) {
		return ErrTargetNotActive
	}
	if err := e.state.KVRemove(pendingTargetList, target[:]); err != nil {
		return err
	}
	if err := e.state.KVRemove(targetList, target[:]); err != nil {
		return err
	}
	e.emit(newTargetEvent(EventTypeTargetRemoved, target))
	return nil
}

// ForceActivateTarget activates a pending target without waiting for the
// active set.
func (e *Engine) ForceActivateTarget(origin types.Origin, target types.GatewayID) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	pending, err := e.PendingTargets()
	if err != nil {
		return err
	}
	if !containsTarget(pending, target) {
		return ErrTargetNotPending
	}
	return e.activate(target)
}

// AgreeToNewAttestationTarget registers the caller's recoverable for target.
// Ethereum targets take the address of the attester's ECDSA key; other
// targets take the attester's account id.
func (e *Engine) AgreeToNewAttestationTarget(origin types.Origin, target types.GatewayID, recoverable []byte) error {
	who, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	a, err := e.Attester(who)
	if err != nil {
		return err
	}
	if e.IsSlashed(who) {
		return ErrPermanentlySlashed
	}
	active, err := e.ActiveSet()
	if err != nil {
		return err
	}
	if !containsAccount(active, who) {
		return ErrNotActiveSet
	}
	pending, err := e.PendingTargets()
	if err != nil {
		return err
	}
	if !containsTarget(pending, target) && !e.IsTargetActive(target) {
		return ErrTargetNotPending
	}
	expected, err := e.expectedRecoverable(a, target)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, recoverable) {
		return fmt.Errorf("%w: got %x", ErrRecoverableMismatch, recoverable)
	}
	if err := e.state.KVPut(recoverableKey(target, who), recoverable); err != nil {
		return err
	}
	evt := newTargetEvent(EventTypeTargetAgreed, target)
	evt.Attributes["attester"] = who.Hex()
	e.emit(evt)
	if containsTarget(pending, target) {
		return e.maybeActivate(target)
	}
	return nil
}

func (e *Engine) expectedRecoverable(a *Attester, target types.GatewayID) ([]byte, error) {
	eth, err := e.ethereumTarget(target)
	if err != nil {
		return nil, err
	}
	if !eth {
		return append([]byte(nil), a.Account[:]...), nil
	}
	addr, err := crypto.AddressFromCompressed(a.KeyEC[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return addr.Bytes(), nil
}

// Recoverable returns the address who registered for target.
func (e *Engine) Recoverable(target types.GatewayID, who types.AccountID) ([]byte, bool) {
	var out []byte
	ok, err := e.state.KVGet(recoverableKey(target, who), &out)
	if err != nil || !ok {
		return nil, false
	}
	return out, true
}

func (e *Engine) maybeActivate(target types.GatewayID) error {
	active, err := e.ActiveSet()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	for _, who := range active {
		if _, ok := e.Recoverable(target, who); !ok {
			return nil
		}
	}
	return e.activate(target)
}

func (e *Engine) activate(target types.GatewayID) error {
	if err := e.state.KVRemove(pendingTargetList, target[:]); err != nil {
		return err
	}
	if err := e.state.KVAppend(targetList, target[:]); err != nil {
		return err
	}
	if _, err := e.NextBatch(target); err != nil {
		return err
	}
	e.emit(newTargetEvent(EventTypeTargetActivated, target))
	return nil
}
