package attesters

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"circuit/codec/recode"
	"circuit/core/types"
	"circuit/crypto"
	"circuit/native/proofs"
	"circuit/observability/metrics"
)

func nextBatchKey(target types.GatewayID) []byte {
	return []byte(fmt.Sprintf("attesters/next_batch/%x", target[:]))
}

func batchKey(target types.GatewayID, index uint32) []byte {
	return []byte(fmt.Sprintf("attesters/batch/%x/%d", target[:], index))
}

func batchCountKey(target types.GatewayID) []byte {
	return []byte(fmt.Sprintf("attesters/batch_count/%x", target[:]))
}

func batchHashKey(target types.GatewayID, hash [32]byte) []byte {
	return []byte(fmt.Sprintf("attesters/batch_hash/%x/%x", target[:], hash[:]))
}

// pendingBatchesKey lists the sealed batches of target that have not settled.
func pendingBatchesKey(target types.GatewayID) []byte {
	return []byte(fmt.Sprintf("attesters/pending_batches/%x", target[:]))
}

func encodeBatchIndex(index uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, index)
	return out
}

func costKey(target types.GatewayID) []byte {
	return []byte(fmt.Sprintf("attesters/confirmation_cost/%x", target[:]))
}

// NextBatch returns the open accumulator of target, creating it when the
// target has none yet.
func (e *Engine) NextBatch(target types.GatewayID) (*Batch, error) {
	var b Batch
	ok, err := e.state.KVGet(nextBatchKey(target), &b)
	if err != nil {
		return nil, err
	}
	if ok {
		return &b, nil
	}
	count, err := e.batchCount(target)
	if err != nil {
		return nil, err
	}
	fresh := &Batch{Target: target, Index: count, Created: e.clock(), Status: BatchPendingMessage}
	if err := e.state.KVPut(nextBatchKey(target), fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (e *Engine) putNextBatch(b *Batch) error {
	return e.state.KVPut(nextBatchKey(b.Target), b)
}

func (e *Engine) batchCount(target types.GatewayID) (uint32, error) {
	var count uint32
	if _, err := e.state.KVGet(batchCountKey(target), &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Batch returns the sealed batch index of target.
func (e *Engine) Batch(target types.GatewayID, index uint32) (*Batch, error) {
	var b Batch
	ok, err := e.state.KVGet(batchKey(target, index), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s #%d", ErrBatchNotFound, target, index)
	}
	return &b, nil
}

// BatchByHash returns the sealed batch of target whose message hashes to
// hash. Targets sealing identical messages keep separate batches.
func (e *Engine) BatchByHash(target types.GatewayID, hash [32]byte) (*Batch, error) {
	var ref batchRef
	ok, err := e.state.KVGet(batchHashKey(target, hash), &ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %x", ErrBatchNotFound, target, hash[:])
	}
	return e.Batch(ref.Target, ref.Index)
}

// PendingBatches returns the sealed batches of target still awaiting
// attestation or commitment.
func (e *Engine) PendingBatches(target types.GatewayID) ([]*Batch, error) {
	var raw [][]byte
	if err := e.state.KVGetList(pendingBatchesKey(target), &raw); err != nil {
		return nil, err
	}
	out := make([]*Batch, 0, len(raw))
	for _, item := range raw {
		if len(item) != 4 {
			return nil, fmt.Errorf("attesters: malformed pending batch entry for %s", target)
		}
		b, err := e.Batch(target, binary.BigEndian.Uint32(item))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Batches returns the sealed batches of target in index order.
func (e *Engine) Batches(target types.GatewayID) ([]*Batch, error) {
	count, err := e.batchCount(target)
	if err != nil {
		return nil, err
	}
	out := make([]*Batch, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := e.Batch(target, i)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// putBatch stores b and drops it from the pending list once it settles.
func (e *Engine) putBatch(b *Batch) error {
	if err := e.state.KVPut(batchKey(b.Target, b.Index), b); err != nil {
		return err
	}
	switch b.Status {
	case BatchCommitted, BatchExpired, BatchRepatriated:
		return e.state.KVRemove(pendingBatchesKey(b.Target), encodeBatchIndex(b.Index))
	}
	return nil
}

// RequestSFXCommit queues a committed side effect for target's next batch.
// Targets without attestation are skipped.
func (e *Engine) RequestSFXCommit(target types.GatewayID, sfxID [32]byte) error {
	return e.request(target, sfxID, true)
}

// RequestSFXRevert queues a reverted side effect for target's next batch.
func (e *Engine) RequestSFXRevert(target types.GatewayID, sfxID [32]byte) error {
	return e.request(target, sfxID, false)
}

func (e *Engine) request(target types.GatewayID, sfxID [32]byte, commit bool) error {
	active, err := e.ActiveTargets()
	if err != nil {
		return err
	}
	if !containsTarget(active, target) {
		slog.Debug("attesters: target not attested, skipping", "target", target.String())
		return nil
	}
	b, err := e.NextBatch(target)
	if err != nil {
		return fmt.Errorf("attesters: load next batch of %s: %w", target, err)
	}
	if commit {
		b.Committed = append(b.Committed, sfxID)
	} else {
		b.Reverted = append(b.Reverted, sfxID)
	}
	if err := e.putNextBatch(b); err != nil {
		return fmt.Errorf("attesters: store next batch of %s: %w", target, err)
	}
	return nil
}

// RequestNextCommittee fills every active target's accumulator with the
// recoverables of the current committee, ordered by attester index.
func (e *Engine) RequestNextCommittee() error {
	committee, err := e.Committee()
	if err != nil {
		return err
	}
	members := make([]*Attester, 0, len(committee))
	for _, who := range committee {
		a, err := e.Attester(who)
		if err != nil {
			return err
		}
		members = append(members, a)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Index < members[j].Index })
	targets, err := e.ActiveTargets()
	if err != nil {
		return err
	}
	for _, target := range targets {
		var next [][]byte
		for _, a := range members {
			if rec, ok := e.Recoverable(target, a.Account); ok {
				next = append(next, rec)
			}
		}
		b, err := e.NextBatch(target)
		if err != nil {
			return err
		}
		b.NextCommittee = next
		if err := e.putNextBatch(b); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) requestBan(a *Attester) error {
	targets, err := e.ActiveTargets()
	if err != nil {
		return err
	}
	for _, target := range targets {
		rec, ok := e.Recoverable(target, a.Account)
		if !ok {
			continue
		}
		b, err := e.NextBatch(target)
		if err != nil {
			return err
		}
		banned := false
		for _, existing := range b.BannedCommittee {
			if bytes.Equal(existing, rec) {
				banned = true
				break
			}
		}
		if banned {
			continue
		}
		b.BannedCommittee = append(b.BannedCommittee, rec)
		if err := e.putNextBatch(b); err != nil {
			return err
		}
	}
	return nil
}

// closeWindows seals every non-empty accumulator into a batch awaiting
// attestation and opens the next one.
func (e *Engine) closeWindows(n uint64) error {
	targets, err := e.ActiveTargets()
	if err != nil {
		return err
	}
	for _, target := range targets {
		b, err := e.NextBatch(target)
		if err != nil {
			return err
		}
		if b.Empty() {
			b.Created = n
			if err := e.putNextBatch(b); err != nil {
				return err
			}
			continue
		}
		b.Status = BatchPendingAttestation
		b.Created = n
		if err := e.putBatch(b); err != nil {
			return err
		}
		if err := e.state.KVPut(batchHashKey(target, b.Hash()), &batchRef{Target: target, Index: b.Index}); err != nil {
			return err
		}
		if err := e.state.KVAppend(pendingBatchesKey(target), encodeBatchIndex(b.Index)); err != nil {
			return err
		}
		if err := e.state.KVPut(batchCountKey(target), b.Index+1); err != nil {
			return err
		}
		next := &Batch{Target: target, Index: b.Index + 1, Created: n, Status: BatchPendingMessage}
		if err := e.putNextBatch(next); err != nil {
			return err
		}
		metrics.Attesters().ObserveBatch(target.String(), b.Status.String())
		e.emit(newBatchEvent(EventTypeNewAttestationBatch, b))
	}
	return nil
}

// SubmitAttestation adds the caller's signature over a sealed batch of
// target. An invalid signature slashes the caller permanently.
func (e *Engine) SubmitAttestation(origin types.Origin, target types.GatewayID, hash [32]byte, signature []byte) error {
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
	if !e.IsTargetActive(target) {
		return ErrTargetNotActive
	}
	active, err := e.ActiveSet()
	if err != nil {
		return err
	}
	if !containsAccount(active, who) {
		return ErrNotActiveSet
	}
	committee, err := e.Committee()
	if err != nil {
		return err
	}
	if !containsAccount(committee, who) {
		return ErrNotInCommittee
	}
	b, err := e.BatchByHash(target, hash)
	if err != nil {
		return err
	}
	if !b.Status.Signable() {
		return fmt.Errorf("%w: %s", ErrBatchUnsignable, b.Status)
	}
	valid, err := e.verifySignature(a, target, hash, signature)
	if err != nil {
		return err
	}
	if !valid {
		if err := e.slash(a, "invalid_signature"); err != nil {
			return err
		}
		return ErrInvalidSignature
	}
	if b.Signed(a.Index) {
		return ErrDoubleSign
	}
	b.Signatures = append(b.Signatures, Signature{Index: a.Index, Signature: append([]byte(nil), signature...)})
	metrics.Attesters().ObserveSignature(target.String())
	switch {
	case len(b.Signatures) >= e.cfg.CommitteeSize:
		b.Status = BatchReadyFullyApproved
	case len(b.Signatures) >= e.cfg.MajorityThreshold():
		b.Status = BatchReadyByMajority
	}
	if err := e.putBatch(b); err != nil {
		return err
	}
	evt := newBatchEvent(EventTypeAttestationSigned, b)
	evt.Attributes["attester"] = who.Hex()
	e.emit(evt)
	if b.Status == BatchReadyFullyApproved {
		metrics.Attesters().ObserveBatch(target.String(), b.Status.String())
		e.emit(newBatchEvent(EventTypeNewConfirmation, b))
	}
	return nil
}

// verifySignature checks sig over hash with the scheme of target: ECDSA
// against the registered Ethereum address, or ed25519 against the attester's
// ed25519 key.
func (e *Engine) verifySignature(a *Attester, target types.GatewayID, hash [32]byte, sig []byte) (bool, error) {
	eth, err := e.ethereumTarget(target)
	if err != nil {
		return false, err
	}
	if !eth {
		return crypto.VerifyEd25519(a.KeyED[:], hash[:], sig), nil
	}
	rec, ok := e.Recoverable(target, a.Account)
	if !ok || len(rec) != common.AddressLength {
		return false, fmt.Errorf("%w: no address registered for %s", ErrRecoverableMismatch, target)
	}
	return crypto.VerifyEthSignature(common.BytesToAddress(rec), hash[:], sig), nil
}

// SetConfirmationCost sets the reward paid for committing a batch of target.
func (e *Engine) SetConfirmationCost(origin types.Origin, target types.GatewayID, cost *big.Int) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	if cost == nil || cost.Sign() < 0 {
		return fmt.Errorf("attesters: invalid confirmation cost")
	}
	return e.state.KVPut(costKey(target), cost)
}

// ConfirmationCost returns the commit reward base of target.
func (e *Engine) ConfirmationCost(target types.GatewayID) *big.Int {
	cost := new(big.Int)
	if ok, err := e.state.KVGet(costKey(target), cost); err != nil || !ok {
		return big.NewInt(0)
	}
	return cost
}

// BatchEvent is the decoded payload of a target's batch acceptance event.
type BatchEvent struct {
	Signatures  []Signature
	MessageHash [32]byte
	Message     []byte
}

// CommitBatch verifies that target's escrow contract accepted a batch. A
// message matching a sealed batch commits it and rewards the caller; any
// other message is collusion and every signer it names is slashed.
func (e *Engine) CommitBatch(origin types.Origin, target types.GatewayID, proof []byte) error {
	submitter, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	if !e.IsTargetActive(target) {
		return ErrTargetNotActive
	}
	record, err := e.registry.Gateway(target)
	if err != nil {
		return err
	}
	codec := record.TargetCodec()
	var source []byte
	if codec == recode.RLP && record.EscrowAccount != nil {
		source = record.EscrowAccount[:]
	}
	inclusion, err := e.portal.VerifyEventInclusion(target, types.SpeedFinalized, source, proof)
	if err != nil {
		return err
	}
	evt, err := DecodeBatchEvent(codec, inclusion.Message)
	if err != nil {
		return err
	}

	b, err := e.BatchByHash(target, crypto.Keccak256(evt.Message))
	switch {
	case err == nil:
		switch b.Status {
		case BatchCommitted:
			return ErrBatchAlreadyCommitted
		case BatchExpired, BatchRepatriated:
			return fmt.Errorf("%w: %s", ErrBatchUnsignable, b.Status)
		}
		b.Status = BatchCommitted
		if err := e.putBatch(b); err != nil {
			return err
		}
		e.reward(submitter, target)
		metrics.Attesters().ObserveBatch(target.String(), b.Status.String())
		e.emit(newBatchEvent(EventTypeBatchCommitted, b))
		return nil
	case !errors.Is(err, ErrBatchNotFound):
		return err
	}

	slashed := 0
	for _, sig := range evt.Signatures {
		a, err := e.AttesterByIndex(sig.Index)
		if err != nil {
			slog.Warn("attesters: collusion names unknown index", "index", sig.Index)
			continue
		}
		if err := e.slash(a, "collusion"); err != nil {
			return err
		}
		slashed++
	}
	slog.Warn("attesters: collusion detected", "target", target.String(), "signers", len(evt.Signatures), "slashed", slashed)
	return fmt.Errorf("%w: %d signers", ErrCollusionDetected, len(evt.Signatures))
}

func (e *Engine) reward(submitter types.AccountID, target types.GatewayID) {
	amount := new(big.Int).Mul(e.ConfirmationCost(target), new(big.Int).SetUint64(e.cfg.RewardMultiplier))
	if amount.Sign() == 0 {
		return
	}
	if err := e.ledger.Transfer(e.cfg.RewardPool, submitter, NativeAsset, amount); err != nil {
		slog.Warn("attesters: commit reward unpaid", "submitter", submitter.Hex(), "amount", amount.String(), "error", err)
	}
}

// DecodeBatchEvent decodes a proven batch acceptance event. EVM targets emit
// it as a log whose data is recoded from RLP; Substrate events carry a two
// byte index prefix.
func DecodeBatchEvent(codec recode.Codec, message []byte) (*BatchEvent, error) {
	var payload []byte
	if codec == recode.RLP {
		log, err := proofs.DecodeLog(message)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBatchEvent, err)
		}
		payload, err = recode.Recode(log.Data, recode.EscrowBatchSuccess, recode.RLP, recode.SCALE)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBatchEvent, err)
		}
	} else {
		if len(message) < 2 {
			return nil, fmt.Errorf("%w: shorter than its index", ErrInvalidBatchEvent)
		}
		payload = message[2:]
	}
	v, err := recode.Decode(recode.SCALE, recode.EscrowBatchSuccess, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatchEvent, err)
	}
	out := &BatchEvent{Message: v.Items[2].Bytes}
	copy(out.MessageHash[:], v.Items[1].Bytes)
	for _, item := range v.Items[0].Items {
		out.Signatures = append(out.Signatures, Signature{Index: uint32(item.Items[0].Uint.Uint64()), Signature: item.Items[1].Bytes})
	}
	return out, nil
}

// EncodeBatchEvent builds the SCALE payload of a batch acceptance event,
// without the event index prefix.
func EncodeBatchEvent(evt *BatchEvent) ([]byte, error) {
	sigs := make([]recode.Value, len(evt.Signatures))
	for i, s := range evt.Signatures {
		sigs[i] = recode.Value{Items: []recode.Value{
			{Uint: new(big.Int).SetUint64(uint64(s.Index))},
			{Bytes: s.Signature},
		}}
	}
	return recode.Encode(recode.SCALE, recode.EscrowBatchSuccess, recode.Value{Items: []recode.Value{
		{Items: sigs},
		{Bytes: evt.MessageHash[:]},
		{Bytes: evt.Message},
	}})
}

// repatriate pays late batches still waiting for attestation. Each missed
// period pays every side effect of the batch from the slash treasury; after
// the last period the batch settles as repatriated or expired. Only the
// pending list is walked, so settled history costs nothing per block.
func (e *Engine) repatriate(n uint64) error {
	targets, err := e.ActiveTargets()
	if err != nil {
		return err
	}
	for _, target := range targets {
		batches, err := e.PendingBatches(target)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.Status != BatchPendingAttestation {
				continue
			}
			if n < b.Created+e.cfg.RepatriationPeriod*uint64(b.Latency.Missed+1) {
				continue
			}
			b.Latency.Missed++
			if e.payLate(b) {
				b.Latency.Repatriated++
			}
			if b.Latency.Missed >= e.cfg.ExpireAfterPeriods {
				if b.Latency.Repatriated == b.Latency.Missed {
					b.Status = BatchRepatriated
				} else {
					b.Status = BatchExpired
				}
				metrics.Attesters().ObserveBatch(target.String(), b.Status.String())
			}
			if err := e.putBatch(b); err != nil {
				return err
			}
			e.emit(newBatchEvent(EventTypeBatchLate, b))
		}
	}
	return nil
}

type latePayment struct {
	to     types.AccountID
	amount *big.Int
}

func (e *Engine) payLate(b *Batch) bool {
	if e.parties == nil {
		return false
	}
	var payments []latePayment
	total := new(big.Int)
	add := func(to types.AccountID) {
		payments = append(payments, latePayment{to: to, amount: e.cfg.LatePaymentPerPeriod})
		total.Add(total, e.cfg.LatePaymentPerPeriod)
	}
	for _, id := range b.Committed {
		_, executor, err := e.parties.SFXParties(id)
		if err != nil {
			slog.Warn("attesters: unknown committed side effect", "sfx", fmt.Sprintf("%x", id[:]), "error", err)
			return false
		}
		add(executor)
	}
	for _, id := range b.Reverted {
		requester, _, err := e.parties.SFXParties(id)
		if err != nil {
			slog.Warn("attesters: unknown reverted side effect", "sfx", fmt.Sprintf("%x", id[:]), "error", err)
			return false
		}
		add(requester)
	}
	if len(payments) == 0 {
		return true
	}
	free, err := e.ledger.Free(e.cfg.SlashTreasury, NativeAsset)
	if err != nil || free.Cmp(total) < 0 {
		return false
	}
	for _, p := range payments {
		if err := e.ledger.Transfer(e.cfg.SlashTreasury, p.to, NativeAsset, p.amount); err != nil {
			slog.Warn("attesters: late payment failed", "to", p.to.Hex(), "error", err)
			return false
		}
	}
	return true
}
