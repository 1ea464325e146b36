package rpc

import (
	"net/http"
	"strings"

	"circuit/core/types"
	"circuit/native/circuit"
	"circuit/native/sfx"
	"circuit/native/vacuum"
)

type sideEffectParams struct {
	Target          string   `json:"target"`
	Action          string   `json:"action"`
	Args            []string `json:"args"`
	MaxReward       string   `json:"maxReward"`
	Insurance       string   `json:"insurance"`
	RewardAsset     uint32   `json:"rewardAsset"`
	EnforceExecutor string   `json:"enforceExecutor,omitempty"`
	Signature       string   `json:"signature,omitempty"`
}

func (p sideEffectParams) decode() (sfx.SideEffect, error) {
	var out sfx.SideEffect
	var err error
	if out.Target, err = parseGateway(p.Target); err != nil {
		return out, err
	}
	if out.Action, err = parseAction(p.Action); err != nil {
		return out, err
	}
	out.EncodedArgs = make([][]byte, len(p.Args))
	for i, arg := range p.Args {
		if out.EncodedArgs[i], err = parseBytes(arg); err != nil {
			return out, err
		}
	}
	if out.MaxReward, err = parseOptionalAmount(p.MaxReward); err != nil {
		return out, err
	}
	if out.Insurance, err = parseOptionalAmount(p.Insurance); err != nil {
		return out, err
	}
	out.RewardAsset = types.AssetID(p.RewardAsset)
	if strings.TrimSpace(p.EnforceExecutor) != "" {
		executor, err := parseAccount(p.EnforceExecutor)
		if err != nil {
			return out, err
		}
		out.EnforceExecutor = &executor
	}
	if out.Signature, err = parseBytes(p.Signature); err != nil {
		return out, err
	}
	return out, nil
}

type triggerParams struct {
	SideEffects []sideEffectParams `json:"sideEffects"`
	Speed       string             `json:"speed"`
}

type xtxIDResult struct {
	XtxID string `json:"xtxId"`
}

type bidParams struct {
	SFXID  string `json:"sfxId"`
	Amount string `json:"amount"`
}

type confirmParams struct {
	SFXID         string `json:"sfxId"`
	InclusionData string `json:"inclusionData"`
	ReceivedAt    uint64 `json:"receivedAt"`
	Cost          string `json:"cost,omitempty"`
}

type xtxParams struct {
	XtxID string `json:"xtxId"`
}

type signalParams struct {
	XtxID string `json:"xtxId"`
	Kind  string `json:"kind"`
}

type sideEffectResult struct {
	ID           string `json:"id"`
	Target       string `json:"target"`
	Action       string `json:"action"`
	MaxReward    string `json:"maxReward"`
	Insurance    string `json:"insurance"`
	Security     string `json:"security"`
	Executor     string `json:"executor,omitempty"`
	BestBid      string `json:"bestBid,omitempty"`
	Confirmed    bool   `json:"confirmed"`
	SubmitHeight uint64 `json:"submitHeight"`
}

type xtxResult struct {
	XtxID           string             `json:"xtxId"`
	Requester       string             `json:"requester"`
	Status          string             `json:"status"`
	Cause           string             `json:"cause,omitempty"`
	Speed           string             `json:"speed"`
	CurrentStep     uint32             `json:"currentStep"`
	Steps           uint32             `json:"steps"`
	CreatedAt       uint64             `json:"createdAt"`
	BiddingDeadline uint64             `json:"biddingDeadline"`
	SubmitByHere    uint64             `json:"submitByHere"`
	EmergencyHere   uint64             `json:"emergencyHere"`
	InDLQ           bool               `json:"inDlq"`
	RemoteOrigin    string             `json:"remoteOrigin,omitempty"`
	SideEffects     []sideEffectResult `json:"sideEffects"`
}

type rewardsParams struct {
	Account string `json:"account"`
	Asset   uint32 `json:"asset"`
}

func (s *Server) handleTrigger(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params triggerParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	list := make([]sfx.SideEffect, len(params.SideEffects))
	for i, p := range params.SideEffects {
		if list[i], err = p.decode(); err != nil {
			return nil, err
		}
	}
	speed, err := parseSpeed(params.Speed)
	if err != nil {
		return nil, err
	}
	id, err := s.rt.OnExtrinsicTrigger(origin, list, speed)
	if err != nil {
		return nil, err
	}
	return xtxIDResult{XtxID: hexID(id)}, nil
}

func (s *Server) handleBid(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params bidParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash(params.SFXID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.rt.BidSFX(origin, id, amount); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleConfirm(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params confirmParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash(params.SFXID)
	if err != nil {
		return nil, err
	}
	executor, err := origin.EnsureSigned()
	if err != nil {
		return nil, err
	}
	confirmation := sfx.Confirmation{Executor: executor, ReceivedAt: params.ReceivedAt}
	if confirmation.InclusionData, err = parseBytes(params.InclusionData); err != nil {
		return nil, err
	}
	if confirmation.Cost, err = parseOptionalAmount(params.Cost); err != nil {
		return nil, err
	}
	if err := s.rt.ConfirmSideEffect(origin, id, confirmation); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleCancel(r *http.Request, req *RPCRequest) (interface{}, error) {
	return s.xtxCommand(r, req, s.rt.CancelXtx)
}

func (s *Server) handleRevert(r *http.Request, req *RPCRequest) (interface{}, error) {
	return s.xtxCommand(r, req, s.rt.Revert)
}

func (s *Server) xtxCommand(r *http.Request, req *RPCRequest, fn func(types.Origin, [32]byte) error) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params xtxParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash(params.XtxID)
	if err != nil {
		return nil, err
	}
	if err := fn(origin, id); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleSignal(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params signalParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash(params.XtxID)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(params.Kind)) {
	case "", "kill":
	default:
		return nil, invalidParams("unknown signal kind " + params.Kind)
	}
	if err := s.rt.Signal(origin, id, circuit.SignalKill); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleXtx(_ *http.Request, req *RPCRequest) (interface{}, error) {
	var params xtxParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash(params.XtxID)
	if err != nil {
		return nil, err
	}
	var out xtxResult
	err = s.rt.View(func() error {
		engine := s.rt.Engines().Circuit
		xtx, err := engine.Xtx(id)
		if err != nil {
			return err
		}
		list, err := engine.SideEffects(id)
		if err != nil {
			return err
		}
		out = xtxResult{
			XtxID:           hexID(id),
			Requester:       xtx.Requester.Hex(),
			Status:          xtx.Status.String(),
			Speed:           xtx.Speed.String(),
			CurrentStep:     xtx.CurrentStep,
			Steps:           xtx.Steps,
			CreatedAt:       xtx.CreatedAt,
			BiddingDeadline: xtx.BiddingDeadline,
			SubmitByHere:    xtx.Timeouts.SubmitByHeightHere,
			EmergencyHere:   xtx.Timeouts.EmergencyTimeoutHere,
			InDLQ:           xtx.Timeouts.HasDLQ,
		}
		if xtx.Status.Terminal() {
			out.Cause = xtx.Cause.String()
		}
		if xtx.RemoteOrigin != nil {
			out.RemoteOrigin = xtx.RemoteOrigin.String()
		}
		out.SideEffects = make([]sideEffectResult, len(list))
		for i := range list {
			fse := &list[i]
			sfxID, err := sfx.ID(id, fse.Index, &fse.Input)
			if err != nil {
				return err
			}
			view := sideEffectResult{
				ID:           hexID(sfxID),
				Target:       fse.Input.Target.String(),
				Action:       fse.Input.ActionString(),
				MaxReward:    fse.Input.MaxReward.String(),
				Insurance:    fse.Input.Insurance.String(),
				Security:     fse.SecurityLvl.String(),
				Confirmed:    fse.Confirmed != nil,
				SubmitHeight: fse.SubmissionTargetHeight,
			}
			if fse.BestBid != nil {
				view.Executor = fse.BestBid.Executor.Hex()
				view.BestBid = fse.BestBid.Amount.String()
			}
			out.SideEffects[i] = view
		}
		return nil
	})
	return out, err
}

func (s *Server) handleDLQ(_ *http.Request, _ *RPCRequest) (interface{}, error) {
	var out []string
	err := s.rt.View(func() error {
		ids, err := s.rt.Engines().Circuit.DLQ()
		if err != nil {
			return err
		}
		out = make([]string, len(ids))
		for i, id := range ids {
			out[i] = hexID(id)
		}
		return nil
	})
	return out, err
}

func (s *Server) handleClaim(r *http.Request, _ *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	paid, err := s.rt.Claim(origin)
	if err != nil {
		return nil, err
	}
	return map[string]int{"paid": paid}, nil
}

func (s *Server) handlePendingRewards(_ *http.Request, req *RPCRequest) (interface{}, error) {
	var params rewardsParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	who, err := parseAccount(params.Account)
	if err != nil {
		return nil, err
	}
	var amount string
	err = s.rt.View(func() error {
		pending, err := s.rt.Engines().Accounts.PendingRewards(who, types.AssetID(params.Asset))
		if err != nil {
			return err
		}
		amount = pending.String()
		return nil
	})
	return map[string]string{"account": who.Hex(), "pending": amount}, err
}

// Vacuum.

type orderActionParams struct {
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	Asset       uint32 `json:"asset"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Input       string `json:"input,omitempty"`
	MaxReward   string `json:"maxReward"`
	Insurance   string `json:"insurance"`
	RewardAsset uint32 `json:"rewardAsset"`
}

func (p orderActionParams) decode() (vacuum.OrderSFX, error) {
	var out vacuum.OrderSFX
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case "", "transfer":
		out.Action.Kind = vacuum.ActionTransfer
	case "call":
		out.Action.Kind = vacuum.ActionCall
	default:
		return out, invalidParams("unknown order kind " + p.Kind)
	}
	var err error
	if out.Action.Target, err = parseGateway(p.Target); err != nil {
		return out, err
	}
	out.Action.Asset = types.AssetID(p.Asset)
	if out.Action.Destination, err = parseBytes(p.Destination); err != nil {
		return out, err
	}
	if out.Action.Amount, err = parseOptionalAmount(p.Amount); err != nil {
		return out, err
	}
	if out.Action.Input, err = parseBytes(p.Input); err != nil {
		return out, err
	}
	if out.MaxReward, err = parseOptionalAmount(p.MaxReward); err != nil {
		return out, err
	}
	if out.Insurance, err = parseOptionalAmount(p.Insurance); err != nil {
		return out, err
	}
	out.RewardAsset = types.AssetID(p.RewardAsset)
	return out, nil
}

type orderParams struct {
	Orders []orderActionParams `json:"orders"`
	Speed  string              `json:"speed"`
}

type singleOrderParams struct {
	orderActionParams
	Speed string `json:"speed"`
}

type remoteOrderParams struct {
	Proof  string `json:"proof"`
	Source string `json:"source"`
	Speed  string `json:"speed"`
}

type orderStatusResult struct {
	XtxID       string            `json:"xtxId"`
	Status      string            `json:"status"`
	TimeoutsAt  uint64            `json:"timeoutsAt"`
	DLQ         bool              `json:"dlq"`
	SideEffects []sfxStatusResult `json:"sideEffects"`
}

type sfxStatusResult struct {
	ID        string `json:"id"`
	Executor  string `json:"executor,omitempty"`
	Bid       string `json:"bid,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

func (s *Server) handleOrder(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params orderParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	orders := make([]vacuum.OrderSFX, len(params.Orders))
	for i, p := range params.Orders {
		if orders[i], err = p.decode(); err != nil {
			return nil, err
		}
	}
	speed, err := parseSpeed(params.Speed)
	if err != nil {
		return nil, err
	}
	id, err := s.rt.Order(origin, orders, speed)
	if err != nil {
		return nil, err
	}
	return xtxIDResult{XtxID: hexID(id)}, nil
}

func (s *Server) handleSingleOrder(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params singleOrderParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	order, err := params.orderActionParams.decode()
	if err != nil {
		return nil, err
	}
	if order.Action.Kind != vacuum.ActionTransfer {
		return nil, invalidParams("single orders are transfers")
	}
	if order.Action.Amount.Sign() <= 0 {
		return nil, invalidParams("amount must be positive")
	}
	speed, err := parseSpeed(params.Speed)
	if err != nil {
		return nil, err
	}
	id, err := s.rt.SingleOrder(origin, order.Action.Destination, order.Action.Asset, order.Action.Amount,
		order.RewardAsset, order.MaxReward, order.Insurance, order.Action.Target, speed)
	if err != nil {
		return nil, err
	}
	return xtxIDResult{XtxID: hexID(id)}, nil
}

func (s *Server) handleRemoteOrder(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params remoteOrderParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	proof, err := parseBytes(params.Proof)
	if err != nil {
		return nil, err
	}
	source, err := parseGateway(params.Source)
	if err != nil {
		return nil, err
	}
	speed, err := parseSpeed(params.Speed)
	if err != nil {
		return nil, err
	}
	id, err := s.rt.RemoteOrder(origin, proof, source, speed)
	if err != nil {
		return nil, err
	}
	return xtxIDResult{XtxID: hexID(id)}, nil
}

func (s *Server) handleReadOrderStatus(_ *http.Request, req *RPCRequest) (interface{}, error) {
	var params xtxParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash(params.XtxID)
	if err != nil {
		return nil, err
	}
	status, err := s.rt.ReadOrderStatus(id)
	if err != nil {
		return nil, err
	}
	out := orderStatusResult{
		XtxID:       hexID(status.XtxID),
		Status:      status.Status,
		TimeoutsAt:  status.TimeoutsAt,
		DLQ:         status.DLQ,
		SideEffects: make([]sfxStatusResult, len(status.SideEffects)),
	}
	for i, st := range status.SideEffects {
		view := sfxStatusResult{ID: hexID(st.ID), Confirmed: st.Confirmed}
		if st.Bid != nil {
			view.Executor = st.Executor.Hex()
			view.Bid = st.Bid.String()
		}
		out.SideEffects[i] = view
	}
	return out, nil
}
