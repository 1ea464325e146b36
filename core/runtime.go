package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"circuit/core/events"
	"circuit/core/state"
	"circuit/core/types"
	"circuit/native/accounts"
	"circuit/native/attesters"
	"circuit/native/bank"
	"circuit/native/circuit"
	"circuit/native/ethlc"
	"circuit/native/grandpa"
	"circuit/native/headers"
	"circuit/native/portal"
	"circuit/native/sfx"
	"circuit/native/vacuum"
	"circuit/native/xdns"
)

var (
	ErrGenesisApplied  = errors.New("runtime: genesis already applied")
	ErrGenesisMismatch = errors.New("runtime: genesis self gateway does not match the runtime")
	ErrInvalidKey      = errors.New("runtime: invalid attester key length")
)

var genesisKey = []byte("runtime/genesis")

// Params bundles the parameters of every engine the runtime composes.
type Params struct {
	SelfGateway         types.GatewayID
	HeadersToKeep       uint64
	MaxRequestsPerBlock uint64
	SettlementsPerBlock int
	Treasury            accounts.Treasury
	Portal              portal.Config
	Circuit             circuit.Config
	Attesters           attesters.Config
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	slashTreasury := types.AccountFromByte(0x5a)
	att := attesters.DefaultConfig()
	att.RewardPool = types.AccountFromByte(0xa0)
	att.SlashTreasury = slashTreasury
	return Params{
		SelfGateway:         types.GatewayID{3, 3, 3, 3},
		HeadersToKeep:       100,
		MaxRequestsPerBlock: 10,
		SettlementsPerBlock: 32,
		Treasury: accounts.Treasury{
			Escrow:        types.AccountFromByte(0xee),
			SlashTreasury: slashTreasury,
		},
		Portal:    portal.Config{EmergencyOffset: 40, HeartbeatWindow: 16},
		Circuit:   circuit.DefaultConfig(),
		Attesters: att,
	}
}

// Runtime composes the engines over one state manager. Every operation runs
// under a single lock against a state snapshot: a failed operation leaves no
// trace in state or in the emitted events.
type Runtime struct {
	stateMu sync.Mutex
	state   *state.Manager
	params  Params
	block   uint64
	root    common.Hash

	headers   *headers.Store
	portal    *portal.Portal
	ledger    *bank.Ledger
	registry  *xdns.Registry
	accounts  *accounts.Manager
	circuit   *circuit.Engine
	attesters *attesters.Engine
	vacuum    *vacuum.Engine

	buffer  events.Buffer
	emitter events.Emitter
}

// NewRuntime wires every engine over mgr.
func NewRuntime(mgr *state.Manager, params Params) *Runtime {
	r := &Runtime{
		state:   mgr,
		params:  params,
		root:    mgr.Root(),
		emitter: events.NoopEmitter{},
	}
	clock := func() uint64 { return r.block }

	r.headers = headers.NewStore(mgr, params.HeadersToKeep, params.MaxRequestsPerBlock)
	gv := grandpa.NewVerifier(r.headers, mgr)
	eth := ethlc.NewClient(r.headers, mgr)
	r.portal = portal.New(r.headers, gv, eth, mgr, params.Portal)
	r.ledger = bank.NewLedger(mgr)
	r.registry = xdns.NewRegistry(mgr, r.portal, r.ledger, params.SelfGateway)
	r.accounts = accounts.NewManager(mgr, r.ledger, params.Treasury)
	r.circuit = circuit.New(mgr, r.registry, r.portal, r.accounts, params.Circuit)
	r.attesters = attesters.New(mgr, r.ledger, r.registry, r.portal, params.Attesters)
	r.vacuum = vacuum.New(mgr, r.circuit, r.registry, r.portal)

	r.circuit.SetBatchReporter(r.attesters)
	r.attesters.SetPartyResolver(r.circuit)

	r.portal.SetClock(clock)
	r.accounts.SetClock(clock)
	r.circuit.SetClock(clock)
	r.attesters.SetClock(clock)

	r.headers.SetEmitter(&r.buffer)
	gv.SetEmitter(&r.buffer)
	eth.SetEmitter(&r.buffer)
	r.portal.SetEmitter(&r.buffer)
	r.ledger.SetEmitter(&r.buffer)
	r.registry.SetEmitter(&r.buffer)
	r.accounts.SetEmitter(&r.buffer)
	r.circuit.SetEmitter(&r.buffer)
	r.attesters.SetEmitter(&r.buffer)
	r.vacuum.SetEmitter(&r.buffer)
	return r
}

// SetEmitter configures where events of successful operations are delivered.
func (r *Runtime) SetEmitter(emitter events.Emitter) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// Params returns the parameters the runtime was built with.
func (r *Runtime) Params() Params { return r.params }

// Block returns the current block number.
func (r *Runtime) Block() uint64 {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.block
}

// Root returns the last committed state root.
func (r *Runtime) Root() common.Hash {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.root
}

// Resume continues from a previously committed block, as after a restart.
func (r *Runtime) Resume(block uint64) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.block = block
	r.root = r.state.Root()
}

// dispatch runs fn atomically. On error the state is rolled back and its
// events dropped, unless the error records a permanent slash: that outcome
// must persist even though the caller sees a failure.
func (r *Runtime) dispatch(name string, fn func() error) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	snap := r.state.Snapshot()
	err := fn()
	if err != nil && !attesters.Slashing(err) {
		if revertErr := r.state.RevertToSnapshot(snap); revertErr != nil {
			return fmt.Errorf("%s: revert: %v: %w", name, revertErr, err)
		}
		dropped := r.buffer.Len()
		r.buffer.Discard()
		slog.Debug("dispatch reverted", "op", name, "error", err, "dropped_events", dropped)
		return err
	}
	if discardErr := r.state.DiscardSnapshot(snap); discardErr != nil {
		slog.Warn("dispatch snapshot release failed", "op", name, "error", discardErr)
	}
	r.buffer.Flush(r.emitter)
	return err
}

// View runs fn under the runtime lock without a snapshot. fn must not write.
func (r *Runtime) View(fn func() error) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return fn()
}

// Genesis applies the gateways, tokens and balances of g, registers its
// attesters and selects the first active set and committee.
func (r *Runtime) Genesis(g *xdns.Genesis) error {
	return r.dispatch("genesis", func() error {
		if applied, err := r.state.KVGet(genesisKey, nil); err != nil {
			return err
		} else if applied {
			return ErrGenesisApplied
		}
		if g.SelfGateway != (types.GatewayID{}) && g.SelfGateway != r.params.SelfGateway {
			return fmt.Errorf("%w: %s", ErrGenesisMismatch, g.SelfGateway)
		}
		if err := r.registry.Apply(g); err != nil {
			return err
		}
		for _, att := range g.Attesters {
			if err := r.registerGenesisAttester(att); err != nil {
				return fmt.Errorf("genesis attester %s: %w", att.Account, err)
			}
		}
		if len(g.Attesters) > 0 {
			if err := r.attesters.Rotate(r.block); err != nil {
				return err
			}
		}
		slog.Info("genesis applied",
			"gateways", len(g.Gateways),
			"tokens", len(g.Tokens),
			"attesters", len(g.Attesters))
		return r.state.KVPut(genesisKey, true)
	})
}

func (r *Runtime) registerGenesisAttester(att xdns.GenesisAttester) error {
	var (
		ec     [33]byte
		ed, sr [32]byte
	)
	if len(att.ECDSA) != len(ec) || len(att.Ed25519) != len(ed) || len(att.Sr25519) != len(sr) {
		return ErrInvalidKey
	}
	copy(ec[:], att.ECDSA)
	copy(ed[:], att.Ed25519)
	copy(sr[:], att.Sr25519)
	commission := att.Commission
	return r.attesters.Register(types.SignedOrigin(att.Account), att.Bond, ec, ed, sr, &commission)
}

// OnInitialize runs the per-block hooks of block n: request decay, the Xtx
// state machine, batching with repatriation and shuffling, then settlement
// distribution.
func (r *Runtime) OnInitialize(n uint64) error {
	return r.dispatch("on_initialize", func() error {
		r.block = n
		if err := r.headers.DecayRequests(); err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		if err := r.circuit.OnInitialize(n); err != nil {
			return err
		}
		if err := r.attesters.OnInitialize(n); err != nil {
			return err
		}
		if paid := r.accounts.DistributeSettlements(r.params.SettlementsPerBlock); paid > 0 {
			slog.Debug("settlements distributed", "block", n, "count", paid)
		}
		return nil
	})
}

// Commit persists the state of the current block and returns its root.
func (r *Runtime) Commit() (common.Hash, error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	root, err := r.state.Commit(r.root, r.block)
	if err != nil {
		return common.Hash{}, err
	}
	r.root = root
	return root, nil
}

// Gateways and headers.

func (r *Runtime) InitializeGateway(origin types.Origin, record xdns.GatewayRecord, registration []byte) error {
	return r.dispatch("initialize_gateway", func() error {
		return r.registry.AddGateway(origin, record, registration)
	})
}

func (r *Runtime) PurgeGateway(origin types.Origin, gw types.GatewayID) error {
	return r.dispatch("purge_gateway", func() error {
		return r.registry.PurgeGateway(origin, gw)
	})
}

func (r *Runtime) AddToken(origin types.Origin, token xdns.TokenRecord) error {
	return r.dispatch("add_token", func() error {
		return r.registry.AddToken(origin, token)
	})
}

func (r *Runtime) SetOperational(origin types.Origin, gw types.GatewayID, operational bool) error {
	return r.dispatch("set_operational", func() error {
		return r.portal.SetOperational(origin, gw, operational)
	})
}

func (r *Runtime) SetGatewayOwner(origin types.Origin, gw types.GatewayID, owner types.AccountID) error {
	return r.dispatch("set_owner", func() error {
		return r.headers.SetOwner(origin, gw, owner)
	})
}

func (r *Runtime) ResetGateway(origin types.Origin, gw types.GatewayID) error {
	return r.dispatch("reset", func() error {
		return r.portal.Reset(origin, gw)
	})
}

func (r *Runtime) SubmitHeaders(origin types.Origin, gw types.GatewayID, payload []byte) error {
	return r.dispatch("submit_header", func() error {
		return r.portal.SubmitHeaders(origin, gw, payload)
	})
}

// SubmitHeaderRange imports headers descending from anchor and returns how
// many were stored.
func (r *Runtime) SubmitHeaderRange(origin types.Origin, gw types.GatewayID, encoded [][]byte, anchor common.Hash) (int, error) {
	var imported int
	err := r.dispatch("submit_header_range", func() error {
		var err error
		imported, err = r.portal.SubmitHeaderRange(origin, gw, encoded, anchor)
		return err
	})
	return imported, err
}

// Orders.

func (r *Runtime) OnExtrinsicTrigger(origin types.Origin, list []sfx.SideEffect, speed types.SpeedMode) ([32]byte, error) {
	return r.dispatchID("on_extrinsic_trigger", func() ([32]byte, error) {
		return r.circuit.OnExtrinsicTrigger(origin, list, speed)
	})
}

func (r *Runtime) BidSFX(origin types.Origin, sfxID [32]byte, amount *big.Int) error {
	return r.dispatch("bid_sfx", func() error {
		return r.circuit.Bid(origin, sfxID, amount)
	})
}

func (r *Runtime) ConfirmSideEffect(origin types.Origin, sfxID [32]byte, confirmation sfx.Confirmation) error {
	return r.dispatch("confirm_side_effect", func() error {
		return r.circuit.ConfirmSideEffect(origin, sfxID, confirmation)
	})
}

func (r *Runtime) CancelXtx(origin types.Origin, xtxID [32]byte) error {
	return r.dispatch("cancel", func() error {
		return r.circuit.Cancel(origin, xtxID)
	})
}

func (r *Runtime) Revert(origin types.Origin, xtxID [32]byte) error {
	return r.dispatch("revert", func() error {
		return r.circuit.Revert(origin, xtxID)
	})
}

func (r *Runtime) Signal(origin types.Origin, xtxID [32]byte, kind circuit.SignalKind) error {
	return r.dispatch("signal", func() error {
		return r.circuit.Signal(origin, xtxID, kind)
	})
}

// Claim pays out every pending settlement owed to the signer and returns how
// many were paid.
func (r *Runtime) Claim(origin types.Origin) (int, error) {
	var paid int
	err := r.dispatch("claim", func() error {
		who, err := origin.EnsureSigned()
		if err != nil {
			return err
		}
		paid, err = r.accounts.Claim(who)
		return err
	})
	return paid, err
}

// Attesters.

func (r *Runtime) RegisterAttester(origin types.Origin, bond *big.Int, keyEC [33]byte, keyED, keySR [32]byte, commission *uint8) error {
	return r.dispatch("register", func() error {
		return r.attesters.Register(origin, bond, keyEC, keyED, keySR, commission)
	})
}

func (r *Runtime) DeregisterAttester(origin types.Origin) error {
	return r.dispatch("deregister", func() error {
		return r.attesters.Deregister(origin)
	})
}

func (r *Runtime) Nominate(origin types.Origin, attester types.AccountID, amount *big.Int) error {
	return r.dispatch("nominate", func() error {
		return r.attesters.Nominate(origin, attester, amount)
	})
}

func (r *Runtime) Unnominate(origin types.Origin, attester types.AccountID) error {
	return r.dispatch("unnominate", func() error {
		return r.attesters.Unnominate(origin, attester)
	})
}

func (r *Runtime) AgreeToNewAttestationTarget(origin types.Origin, target types.GatewayID, recoverable []byte) error {
	return r.dispatch("agree_to_new_attestation_target", func() error {
		return r.attesters.AgreeToNewAttestationTarget(origin, target, recoverable)
	})
}

func (r *Runtime) SubmitAttestation(origin types.Origin, target types.GatewayID, hash [32]byte, signature []byte) error {
	return r.dispatch("submit_attestation", func() error {
		return r.attesters.SubmitAttestation(origin, target, hash, signature)
	})
}

func (r *Runtime) CommitBatch(origin types.Origin, target types.GatewayID, proof []byte) error {
	return r.dispatch("commit_batch", func() error {
		return r.attesters.CommitBatch(origin, target, proof)
	})
}

func (r *Runtime) AddAttestationTarget(origin types.Origin, target types.GatewayID) error {
	return r.dispatch("add_attestation_target", func() error {
		return r.attesters.AddAttestationTarget(origin, target)
	})
}

func (r *Runtime) RemoveAttestationTarget(origin types.Origin, target types.GatewayID) error {
	return r.dispatch("remove_attestation_target", func() error {
		return r.attesters.RemoveAttestationTarget(origin, target)
	})
}

func (r *Runtime) ForceActivateTarget(origin types.Origin, target types.GatewayID) error {
	return r.dispatch("force_activate_target", func() error {
		return r.attesters.ForceActivateTarget(origin, target)
	})
}

func (r *Runtime) SetConfirmationCost(origin types.Origin, target types.GatewayID, cost *big.Int) error {
	return r.dispatch("set_confirmation_cost", func() error {
		return r.attesters.SetConfirmationCost(origin, target, cost)
	})
}

// Vacuum.

func (r *Runtime) Order(origin types.Origin, orders []vacuum.OrderSFX, speed types.SpeedMode) ([32]byte, error) {
	return r.dispatchID("order", func() ([32]byte, error) {
		return r.vacuum.Order(origin, orders, speed)
	})
}

func (r *Runtime) SingleOrder(origin types.Origin, destination []byte, asset types.AssetID, amount *big.Int, rewardAsset types.AssetID, maxReward, insurance *big.Int, target types.GatewayID, speed types.SpeedMode) ([32]byte, error) {
	return r.dispatchID("single_order", func() ([32]byte, error) {
		return r.vacuum.SingleOrder(origin, destination, asset, amount, rewardAsset, maxReward, insurance, target, speed)
	})
}

func (r *Runtime) RemoteOrder(origin types.Origin, proof []byte, source types.GatewayID, speed types.SpeedMode) ([32]byte, error) {
	return r.dispatchID("remote_order", func() ([32]byte, error) {
		return r.vacuum.RemoteOrder(origin, proof, source, speed)
	})
}

func (r *Runtime) ReadOrderStatus(xtxID [32]byte) (*vacuum.OrderStatus, error) {
	var status *vacuum.OrderStatus
	err := r.dispatch("read_order_status", func() error {
		var err error
		status, err = r.vacuum.ReadOrderStatus(xtxID)
		return err
	})
	return status, err
}

func (r *Runtime) dispatchID(name string, fn func() ([32]byte, error)) ([32]byte, error) {
	var id [32]byte
	err := r.dispatch(name, func() error {
		var err error
		id, err = fn()
		return err
	})
	if err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

// Engines exposes the composed engines to read paths. Callers hold the
// runtime lock through View while using them.
type Engines struct {
	Headers   *headers.Store
	Portal    *portal.Portal
	Ledger    *bank.Ledger
	Registry  *xdns.Registry
	Accounts  *accounts.Manager
	Circuit   *circuit.Engine
	Attesters *attesters.Engine
	Vacuum    *vacuum.Engine
}

// Engines returns the composed engines.
func (r *Runtime) Engines() Engines {
	return Engines{
		Headers:   r.headers,
		Portal:    r.portal,
		Ledger:    r.ledger,
		Registry:  r.registry,
		Accounts:  r.accounts,
		Circuit:   r.circuit,
		Attesters: r.attesters,
		Vacuum:    r.vacuum,
	}
}
