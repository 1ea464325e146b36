// Package attesters keeps the bonded attester set, rotates the signing
// committee and collects the committee's signatures over per-target batches
// of settled side effects.
package attesters

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"circuit/core/events"
	"circuit/core/types"
	"circuit/crypto"
	"circuit/native/bank"
	"circuit/native/portal"
	"circuit/native/xdns"
	"circuit/observability/metrics"
)

var (
	ErrAlreadyRegistered        = errors.New("attesters: already registered")
	ErrNotRegistered            = errors.New("attesters: not registered")
	ErrBelowMinBond             = errors.New("attesters: bond below minimum")
	ErrCommissionTooHigh        = errors.New("attesters: commission above maximum")
	ErrInvalidKey               = errors.New("attesters: invalid key")
	ErrNoNomination             = errors.New("attesters: no nomination")
	ErrSelfUnnomination         = errors.New("attesters: attesters leave through deregister")
	ErrAlreadyDeregistering     = errors.New("attesters: deregistration already scheduled")
	ErrPermanentlySlashed       = errors.New("attesters: attester is permanently slashed")
	ErrNotActiveSet             = errors.New("attesters: not in active set")
	ErrNotInCommittee           = errors.New("attesters: not in current committee")
	ErrTargetNotActive          = errors.New("attesters: attestation target not active")
	ErrTargetAlreadyActive      = errors.New("attesters: attestation target already active")
	ErrTargetNotPending         = errors.New("attesters: attestation target not pending")
	ErrRecoverableMismatch      = errors.New("attesters: recoverable does not match attester key")
	ErrBatchNotFound            = errors.New("attesters: batch not found")
	ErrBatchUnsignable          = errors.New("attesters: batch in unsignable status")
	ErrBatchAlreadyCommitted    = errors.New("attesters: batch already committed")
	ErrDoubleSign               = errors.New("attesters: double sign attempt")
	ErrInvalidSignature         = errors.New("attesters: invalid signature, permanently slashed")
	ErrCollusionDetected        = errors.New("attesters: collusion with permanent slash detected")
	ErrInvalidBatchEvent        = errors.New("attesters: invalid batch event")
	ErrUnsupportedVerification  = errors.New("attesters: unsupported verification scheme")
	ErrAttesterIndexUnavailable = errors.New("attesters: attester index unavailable")
)

// Slashing reports whether err was returned together with a permanent slash
// that must persist even though the call failed.
func Slashing(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrCollusionDetected)
}

// Storage is the state subset the registry lives in.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// PartyResolver names who a late batch repatriates to: the requester of a
// reverted side effect or the executor of a committed one.
type PartyResolver interface {
	SFXParties(sfxID [32]byte) (requester, executor types.AccountID, err error)
}

var (
	attesterList           = []byte("attesters/list")
	activeSetKey           = []byte("attesters/active")
	committeeKey           = []byte("attesters/committee")
	previousCommitteeKey   = []byte("attesters/previous")
	slashedList            = []byte("attesters/slashed")
	nextIndexKey           = []byte("attesters/next_index")
	pendingUnnominationKey = []byte("attesters/pending_unnominations")
	pendingDeregisterKey   = []byte("attesters/pending_deregistrations")
	targetList             = []byte("attesters/targets")
	pendingTargetList      = []byte("attesters/pending_targets")
)

func attesterKey(who types.AccountID) []byte {
	return []byte(fmt.Sprintf("attesters/attester/%x", who[:]))
}

func indexKey(index uint32) []byte {
	return []byte(fmt.Sprintf("attesters/index/%d", index))
}

func nominationKey(attester, nominator types.AccountID) []byte {
	return []byte(fmt.Sprintf("attesters/nomination/%x/%x", attester[:], nominator[:]))
}

func nominatorsKey(attester types.AccountID) []byte {
	return []byte(fmt.Sprintf("attesters/nominators/%x", attester[:]))
}

// Engine is the attester registry, committee and batch builder.
type Engine struct {
	state    Storage
	ledger   *bank.Ledger
	registry *xdns.Registry
	portal   *portal.Portal
	parties  PartyResolver
	cfg      Config
	emitter  events.Emitter
	clock    func() uint64
}

// New returns an attester engine.
func New(state Storage, ledger *bank.Ledger, registry *xdns.Registry, p *portal.Portal, cfg Config) *Engine {
	return &Engine{
		state:    state,
		ledger:   ledger,
		registry: registry,
		portal:   p,
		cfg:      cfg.normalize(),
		emitter:  events.NoopEmitter{},
		clock:    func() uint64 { return 0 },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetClock sets the source of the current local block number.
func (e *Engine) SetClock(clock func() uint64) {
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	e.clock = clock
}

// SetPartyResolver wires late-payment repatriation to the order engine.
func (e *Engine) SetPartyResolver(r PartyResolver) { e.parties = r }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(events.Wrap(evt))
}

// Attester returns the registered attester who.
func (e *Engine) Attester(who types.AccountID) (*Attester, error) {
	var a Attester
	ok, err := e.state.KVGet(attesterKey(who), &a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRegistered
	}
	return &a, nil
}

// AttesterByIndex returns the attester registered under index.
func (e *Engine) AttesterByIndex(index uint32) (*Attester, error) {
	var who types.AccountID
	ok, err := e.state.KVGet(indexKey(index), &who)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNotRegistered, index)
	}
	return e.Attester(who)
}

// Attesters lists every registered attester in registration order.
func (e *Engine) Attesters() ([]types.AccountID, error) {
	return e.accountList(attesterList)
}

func (e *Engine) accountList(key []byte) ([]types.AccountID, error) {
	var raw [][]byte
	if err := e.state.KVGetList(key, &raw); err != nil {
		return nil, err
	}
	out := make([]types.AccountID, len(raw))
	for i, item := range raw {
		copy(out[i][:], item)
	}
	return out, nil
}

func (e *Engine) storedAccounts(key []byte) ([]types.AccountID, error) {
	var out []types.AccountID
	if _, err := e.state.KVGet(key, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveSet returns the attesters selected at the last shuffle.
func (e *Engine) ActiveSet() ([]types.AccountID, error) { return e.storedAccounts(activeSetKey) }

// Committee returns the current signing committee.
func (e *Engine) Committee() ([]types.AccountID, error) { return e.storedAccounts(committeeKey) }

// PreviousCommittee returns the committee replaced at the last shuffle.
func (e *Engine) PreviousCommittee() ([]types.AccountID, error) {
	return e.storedAccounts(previousCommitteeKey)
}

// PermanentSlashes lists every permanently slashed attester.
func (e *Engine) PermanentSlashes() ([]types.AccountID, error) { return e.accountList(slashedList) }

// IsSlashed reports whether who is permanently slashed.
func (e *Engine) IsSlashed(who types.AccountID) bool {
	slashed, err := e.PermanentSlashes()
	if err != nil {
		return false
	}
	return containsAccount(slashed, who)
}

func containsAccount(list []types.AccountID, who types.AccountID) bool {
	for _, a := range list {
		if a == who {
			return true
		}
	}
	return false
}

// Register bonds selfNomination from the caller and registers its keys.
// A nil commission takes the default.
func (e *Engine) Register(origin types.Origin, selfNomination *big.Int, keyEC [33]byte, keyED, keySR [32]byte, commission *uint8) error {
	who, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	if exists, err := e.state.KVGet(attesterKey(who), nil); err != nil {
		return err
	} else if exists {
		return ErrAlreadyRegistered
	}
	if e.IsSlashed(who) {
		return ErrPermanentlySlashed
	}
	if selfNomination == nil || selfNomination.Cmp(e.cfg.MinAttesterBond) < 0 {
		return fmt.Errorf("%w: need %s", ErrBelowMinBond, e.cfg.MinAttesterBond)
	}
	rate := e.cfg.DefaultCommission
	if commission != nil {
		rate = *commission
	}
	if rate > e.cfg.MaxCommission {
		return ErrCommissionTooHigh
	}
	if _, err := crypto.AddressFromCompressed(keyEC[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var index uint32
	if _, err := e.state.KVGet(nextIndexKey, &index); err != nil {
		return err
	}
	if err := e.ledger.Reserve(who, NativeAsset, selfNomination); err != nil {
		return err
	}
	a := &Attester{Account: who, KeyEC: keyEC, KeyED: keyED, KeySR: keySR, Commission: rate, Index: index}
	if err := e.state.KVPut(attesterKey(who), a); err != nil {
		return err
	}
	if err := e.state.KVPut(indexKey(index), who); err != nil {
		return err
	}
	if err := e.state.KVPut(nextIndexKey, index+1); err != nil {
		return err
	}
	if err := e.state.KVAppend(attesterList, who[:]); err != nil {
		return err
	}
	if err := e.addNomination(who, who, selfNomination); err != nil {
		return err
	}
	e.emit(newAttesterEvent(EventTypeRegistered, a))
	slog.Info("attesters: registered", "attester", who.Hex(), "index", index)
	return nil
}

// Deregister schedules the caller's exit. Bonds and nominations are released
// two shuffling rounds later.
func (e *Engine) Deregister(origin types.Origin) error {
	who, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	a, err := e.Attester(who)
	if err != nil {
		return err
	}
	var queue []pendingDeregistration
	if _, err := e.state.KVGet(pendingDeregisterKey, &queue); err != nil {
		return err
	}
	for _, p := range queue {
		if p.Attester == who {
			return ErrAlreadyDeregistering
		}
	}
	queue = append(queue, pendingDeregistration{Attester: who, Due: e.clock() + 2*e.cfg.ShufflingFrequency})
	if err := e.state.KVPut(pendingDeregisterKey, queue); err != nil {
		return err
	}
	e.emit(newAttesterEvent(EventTypeDeregistered, a))
	return nil
}

// Nominate reserves amount from the caller as stake on attester.
func (e *Engine) Nominate(origin types.Origin, attester types.AccountID, amount *big.Int) error {
	who, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	if _, err := e.Attester(attester); err != nil {
		return err
	}
	if e.IsSlashed(attester) {
		return ErrPermanentlySlashed
	}
	floor := e.cfg.MinNominatorBond
	if who == attester {
		floor = big.NewInt(1)
	}
	if amount == nil || amount.Cmp(floor) < 0 {
		return fmt.Errorf("%w: need %s", ErrBelowMinBond, floor)
	}
	if err := e.ledger.Reserve(who, NativeAsset, amount); err != nil {
		return err
	}
	if err := e.addNomination(attester, who, amount); err != nil {
		return err
	}
	e.emit(newNominationEvent(EventTypeNominated, attester, who, amount))
	return nil
}

func (e *Engine) addNomination(attester, nominator types.AccountID, amount *big.Int) error {
	current, err := e.NominationOf(attester, nominator)
	if err != nil {
		return err
	}
	if current.Sign() == 0 {
		if err := e.state.KVAppend(nominatorsKey(attester), nominator[:]); err != nil {
			return err
		}
	}
	return e.state.KVPut(nominationKey(attester, nominator), new(big.Int).Add(current, amount))
}

// NominationOf returns the stake nominator holds on attester.
func (e *Engine) NominationOf(attester, nominator types.AccountID) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := e.state.KVGet(nominationKey(attester, nominator), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// Nominations lists the stakes placed on attester, self-bond included.
func (e *Engine) Nominations(attester types.AccountID) ([]Nomination, error) {
	nominators, err := e.accountList(nominatorsKey(attester))
	if err != nil {
		return nil, err
	}
	out := make([]Nomination, 0, len(nominators))
	for _, n := range nominators {
		amount, err := e.NominationOf(attester, n)
		if err != nil {
			return nil, err
		}
		out = append(out, Nomination{Attester: attester, Nominator: n, Amount: amount})
	}
	return out, nil
}

// TotalStake sums every nomination of attester.
func (e *Engine) TotalStake(attester types.AccountID) (*big.Int, error) {
	noms, err := e.Nominations(attester)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, n := range noms {
		total.Add(total, n.Amount)
	}
	return total, nil
}

// Unnominate withdraws the caller's stake on attester. The stake stops
// counting immediately and is released two shuffling rounds later.
func (e *Engine) Unnominate(origin types.Origin, attester types.AccountID) error {
	who, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	if who == attester {
		return ErrSelfUnnomination
	}
	amount, err := e.NominationOf(attester, who)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return ErrNoNomination
	}
	if err := e.removeNomination(attester, who); err != nil {
		return err
	}
	var queue []pendingUnnomination
	if _, err := e.state.KVGet(pendingUnnominationKey, &queue); err != nil {
		return err
	}
	queue = append(queue, pendingUnnomination{Attester: attester, Nominator: who, Amount: amount, Due: e.clock() + 2*e.cfg.ShufflingFrequency})
	if err := e.state.KVPut(pendingUnnominationKey, queue); err != nil {
		return err
	}
	e.emit(newNominationEvent(EventTypeUnnominated, attester, who, amount))
	return nil
}

func (e *Engine) removeNomination(attester, nominator types.AccountID) error {
	if err := e.state.KVDelete(nominationKey(attester, nominator)); err != nil {
		return err
	}
	return e.state.KVRemove(nominatorsKey(attester), nominator[:])
}

// processExits releases unnominations and deregistrations due at block n.
func (e *Engine) processExits(n uint64) error {
	var unnominations []pendingUnnomination
	if _, err := e.state.KVGet(pendingUnnominationKey, &unnominations); err != nil {
		return err
	}
	kept := unnominations[:0]
	for _, p := range unnominations {
		if p.Due > n {
			kept = append(kept, p)
			continue
		}
		if err := e.ledger.Unreserve(p.Nominator, NativeAsset, p.Amount); err != nil {
			slog.Warn("attesters: releasing unnomination failed", "nominator", p.Nominator.Hex(), "error", err)
		}
	}
	if err := e.putOrDelete(pendingUnnominationKey, len(kept), kept); err != nil {
		return err
	}

	var exits []pendingDeregistration
	if _, err := e.state.KVGet(pendingDeregisterKey, &exits); err != nil {
		return err
	}
	remaining := exits[:0]
	for _, p := range exits {
		if p.Due > n {
			remaining = append(remaining, p)
			continue
		}
		if err := e.remove(p.Attester); err != nil {
			return err
		}
	}
	return e.putOrDelete(pendingDeregisterKey, len(remaining), remaining)
}

func (e *Engine) putOrDelete(key []byte, n int, value interface{}) error {
	if n == 0 {
		return e.state.KVDelete(key)
	}
	return e.state.KVPut(key, value)
}

// remove releases every stake on attester and forgets it. Slashed attesters
// have no self-bond left to release.
func (e *Engine) remove(attester types.AccountID) error {
	a, err := e.Attester(attester)
	if err != nil {
		return err
	}
	noms, err := e.Nominations(attester)
	if err != nil {
		return err
	}
	for _, n := range noms {
		if err := e.ledger.Unreserve(n.Nominator, NativeAsset, n.Amount); err != nil {
			slog.Warn("attesters: releasing nomination failed", "nominator", n.Nominator.Hex(), "error", err)
		}
		if err := e.removeNomination(attester, n.Nominator); err != nil {
			return err
		}
	}
	if err := e.state.KVDelete(attesterKey(attester)); err != nil {
		return err
	}
	if err := e.state.KVDelete(indexKey(a.Index)); err != nil {
		return err
	}
	if err := e.state.KVRemove(attesterList, attester[:]); err != nil {
		return err
	}
	slog.Info("attesters: deregistered", "attester", attester.Hex())
	return nil
}

// slash permanently bans attester: its self-bond goes to the slash treasury,
// it leaves future active sets and its recoverables are queued for a ban on
// every target.
func (e *Engine) slash(a *Attester, reason string) error {
	if e.IsSlashed(a.Account) {
		return nil
	}
	if err := e.state.KVAppend(slashedList, a.Account[:]); err != nil {
		return err
	}
	bond, err := e.NominationOf(a.Account, a.Account)
	if err != nil {
		return err
	}
	if bond.Sign() > 0 {
		if err := e.ledger.RepatriateReserved(a.Account, e.cfg.SlashTreasury, NativeAsset, bond, false); err != nil {
			slog.Warn("attesters: slashing bond failed", "attester", a.Account.Hex(), "error", err)
		} else if err := e.removeNomination(a.Account, a.Account); err != nil {
			return err
		}
	}
	if err := e.requestBan(a); err != nil {
		return err
	}
	metrics.Attesters().ObserveSlash(reason, 1)
	e.emit(newSlashedEvent(a, reason))
	slog.Warn("attesters: permanently slashed", "attester", a.Account.Hex(), "index", a.Index, "reason", reason)
	return nil
}

// computeActiveSet ranks non-slashed attesters by total stake, highest
// first, lowest index on ties, and keeps the committee size.
func (e *Engine) computeActiveSet() ([]types.AccountID, error) {
	all, err := e.Attesters()
	if err != nil {
		return nil, err
	}
	slashed, err := e.PermanentSlashes()
	if err != nil {
		return nil, err
	}
	type ranked struct {
		account types.AccountID
		index   uint32
		stake   *big.Int
	}
	var candidates []ranked
	for _, who := range all {
		if containsAccount(slashed, who) {
			continue
		}
		a, err := e.Attester(who)
		if err != nil {
			return nil, err
		}
		stake, err := e.TotalStake(who)
		if err != nil {
			return nil, err
		}
		if stake.Sign() == 0 {
			continue
		}
		candidates = append(candidates, ranked{account: who, index: a.Index, stake: stake})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if c := candidates[i].stake.Cmp(candidates[j].stake); c != 0 {
			return c > 0
		}
		return candidates[i].index < candidates[j].index
	})
	if len(candidates) > e.cfg.CommitteeSize {
		candidates = candidates[:e.cfg.CommitteeSize]
	}
	out := make([]types.AccountID, len(candidates))
	for i, c := range candidates {
		out[i] = c.account
	}
	return out, nil
}

// shuffle permutes set with a Fisher-Yates walk driven by blake3 over the
// runtime seed and the block number.
func (e *Engine) shuffle(set []types.AccountID, n uint64) []types.AccountID {
	out := append([]types.AccountID(nil), set...)
	var block [8]byte
	binary.BigEndian.PutUint64(block[:], n)
	seed := crypto.Blake3(e.cfg.Seed[:], block[:])
	for i := len(out) - 1; i > 0; i-- {
		var pos [4]byte
		binary.BigEndian.PutUint32(pos[:], uint32(i))
		r := crypto.Blake3(seed[:], pos[:])
		j := int(binary.BigEndian.Uint64(r[:8]) % uint64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// rotate recomputes the active set and shuffles it into a new committee. The
// old committee is kept as the previous one.
func (e *Engine) rotate(n uint64) error {
	active, err := e.computeActiveSet()
	if err != nil {
		return err
	}
	if err := e.state.KVPut(activeSetKey, active); err != nil {
		return err
	}
	metrics.Attesters().SetActiveSet(len(active))
	current, err := e.Committee()
	if err != nil {
		return err
	}
	next := e.shuffle(active, n)
	if sameMembers(current, next) {
		return nil
	}
	if err := e.state.KVPut(previousCommitteeKey, current); err != nil {
		return err
	}
	if err := e.state.KVPut(committeeKey, next); err != nil {
		return err
	}
	e.emit(newCommitteeEvent(len(next), n))
	return e.RequestNextCommittee()
}

func sameMembers(a, b []types.AccountID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
