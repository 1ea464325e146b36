// Package bank keeps free and reserved balances per account and asset. Asset 0
// is the native currency. It is the balances primitive the circuit escrows
// rewards and insurance against.
package bank

import (
	"errors"
	"fmt"
	"math/big"

	"circuit/core/events"
	"circuit/core/types"
)

var (
	ErrInsufficientBalance  = errors.New("bank: insufficient free balance")
	ErrInsufficientReserved = errors.New("bank: insufficient reserved balance")
	ErrInvalidAmount        = errors.New("bank: amount must not be negative")
	errNilState             = errors.New("bank: state not configured")
)

// Storage is the state subset the ledger persists balances in.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Balance is the holding of one account in one asset.
type Balance struct {
	Free     *big.Int
	Reserved *big.Int
}

// Total returns free plus reserved.
func (b *Balance) Total() *big.Int {
	return new(big.Int).Add(b.Free, b.Reserved)
}

func (b *Balance) normalize() *Balance {
	if b.Free == nil {
		b.Free = big.NewInt(0)
	}
	if b.Reserved == nil {
		b.Reserved = big.NewInt(0)
	}
	return b
}

func balanceKey(asset types.AssetID, who types.AccountID) []byte {
	return []byte(fmt.Sprintf("bank/balance/%d/%x", asset, who[:]))
}

func issuanceKey(asset types.AssetID) []byte {
	return []byte(fmt.Sprintf("bank/issuance/%d", asset))
}

// Ledger moves balances. Every mutation validates before writing so a failed
// call leaves the ledger untouched.
type Ledger struct {
	state   Storage
	emitter events.Emitter
}

// NewLedger returns a ledger over state.
func NewLedger(state Storage) *Ledger {
	return &Ledger{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) emit(evt *types.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(events.Wrap(evt))
}

func checkAmount(amount *big.Int) (*big.Int, error) {
	if amount == nil {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(amount), nil
}

// Balance returns the holding of who in asset. Unknown accounts hold zero.
func (l *Ledger) Balance(who types.AccountID, asset types.AssetID) (*Balance, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	var bal Balance
	if _, err := l.state.KVGet(balanceKey(asset, who), &bal); err != nil {
		return nil, err
	}
	return bal.normalize(), nil
}

func (l *Ledger) put(who types.AccountID, asset types.AssetID, bal *Balance) error {
	if bal.Free.Sign() == 0 && bal.Reserved.Sign() == 0 {
		return l.state.KVDelete(balanceKey(asset, who))
	}
	return l.state.KVPut(balanceKey(asset, who), bal)
}

// Free returns the spendable balance of who.
func (l *Ledger) Free(who types.AccountID, asset types.AssetID) (*big.Int, error) {
	bal, err := l.Balance(who, asset)
	if err != nil {
		return nil, err
	}
	return bal.Free, nil
}

// Reserved returns the reserved balance of who.
func (l *Ledger) Reserved(who types.AccountID, asset types.AssetID) (*big.Int, error) {
	bal, err := l.Balance(who, asset)
	if err != nil {
		return nil, err
	}
	return bal.Reserved, nil
}

// TotalIssuance returns the amount of asset in existence.
func (l *Ledger) TotalIssuance(asset types.AssetID) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	total := new(big.Int)
	if _, err := l.state.KVGet(issuanceKey(asset), total); err != nil {
		return nil, err
	}
	return total, nil
}

func (l *Ledger) adjustIssuance(asset types.AssetID, delta *big.Int) error {
	total, err := l.TotalIssuance(asset)
	if err != nil {
		return err
	}
	total.Add(total, delta)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	return l.state.KVPut(issuanceKey(asset), total)
}

// Transfer moves free balance from one account to another.
func (l *Ledger) Transfer(from, to types.AccountID, asset types.AssetID, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 || from == to {
		return nil
	}
	src, err := l.Balance(from, asset)
	if err != nil {
		return err
	}
	if src.Free.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), src.Free, amt)
	}
	dst, err := l.Balance(to, asset)
	if err != nil {
		return err
	}
	src.Free.Sub(src.Free, amt)
	dst.Free.Add(dst.Free, amt)
	if err := l.put(from, asset, src); err != nil {
		return err
	}
	if err := l.put(to, asset, dst); err != nil {
		return err
	}
	l.emit(newTransferEvent(from, to, asset, amt))
	return nil
}

// CanReserve reports whether who has at least amount free.
func (l *Ledger) CanReserve(who types.AccountID, asset types.AssetID, amount *big.Int) bool {
	bal, err := l.Balance(who, asset)
	if err != nil {
		return false
	}
	if amount == nil {
		return true
	}
	return bal.Free.Cmp(amount) >= 0
}

// Reserve moves amount of who's free balance into reserve.
func (l *Ledger) Reserve(who types.AccountID, asset types.AssetID, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	bal, err := l.Balance(who, asset)
	if err != nil {
		return err
	}
	if bal.Free.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, who.Hex(), bal.Free, amt)
	}
	bal.Free.Sub(bal.Free, amt)
	bal.Reserved.Add(bal.Reserved, amt)
	if err := l.put(who, asset, bal); err != nil {
		return err
	}
	l.emit(newReserveEvent(EventTypeReserved, who, asset, amt))
	return nil
}

// Unreserve moves amount of who's reserve back to free balance.
func (l *Ledger) Unreserve(who types.AccountID, asset types.AssetID, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	bal, err := l.Balance(who, asset)
	if err != nil {
		return err
	}
	if bal.Reserved.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %s has %s reserved, needs %s", ErrInsufficientReserved, who.Hex(), bal.Reserved, amt)
	}
	bal.Reserved.Sub(bal.Reserved, amt)
	bal.Free.Add(bal.Free, amt)
	if err := l.put(who, asset, bal); err != nil {
		return err
	}
	l.emit(newReserveEvent(EventTypeUnreserved, who, asset, amt))
	return nil
}

// Mint creates amount of asset in who's free balance.
func (l *Ledger) Mint(asset types.AssetID, who types.AccountID, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	bal, err := l.Balance(who, asset)
	if err != nil {
		return err
	}
	bal.Free.Add(bal.Free, amt)
	if err := l.put(who, asset, bal); err != nil {
		return err
	}
	if err := l.adjustIssuance(asset, amt); err != nil {
		return err
	}
	l.emit(newMintEvent(who, asset, amt))
	return nil
}

// DepositCreating credits who, creating the account if needed.
func (l *Ledger) DepositCreating(who types.AccountID, asset types.AssetID, amount *big.Int) error {
	return l.Mint(asset, who, amount)
}

// RepatriateReserved moves amount of from's reserve to to, landing in to's
// reserve when toReserved is set and in its free balance otherwise.
func (l *Ledger) RepatriateReserved(from, to types.AccountID, asset types.AssetID, amount *big.Int, toReserved bool) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	src, err := l.Balance(from, asset)
	if err != nil {
		return err
	}
	if src.Reserved.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %s has %s reserved, needs %s", ErrInsufficientReserved, from.Hex(), src.Reserved, amt)
	}
	src.Reserved.Sub(src.Reserved, amt)
	dst := src
	if from != to {
		if dst, err = l.Balance(to, asset); err != nil {
			return err
		}
	}
	if toReserved {
		dst.Reserved.Add(dst.Reserved, amt)
	} else {
		dst.Free.Add(dst.Free, amt)
	}
	if from != to {
		if err := l.put(from, asset, src); err != nil {
			return err
		}
	}
	if err := l.put(to, asset, dst); err != nil {
		return err
	}
	l.emit(newRepatriatedEvent(from, to, asset, amt))
	return nil
}

// SlashReserved burns up to amount of who's reserve and returns what was
// burnt.
func (l *Ledger) SlashReserved(who types.AccountID, asset types.AssetID, amount *big.Int) (*big.Int, error) {
	amt, err := checkAmount(amount)
	if err != nil {
		return nil, err
	}
	bal, err := l.Balance(who, asset)
	if err != nil {
		return nil, err
	}
	if bal.Reserved.Cmp(amt) < 0 {
		amt.Set(bal.Reserved)
	}
	if amt.Sign() == 0 {
		return amt, nil
	}
	bal.Reserved.Sub(bal.Reserved, amt)
	if err := l.put(who, asset, bal); err != nil {
		return nil, err
	}
	if err := l.adjustIssuance(asset, new(big.Int).Neg(amt)); err != nil {
		return nil, err
	}
	l.emit(newReserveEvent(EventTypeSlashed, who, asset, amt))
	return amt, nil
}
