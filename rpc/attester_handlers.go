package rpc

import (
	"net/http"

	"circuit/core/types"
	"circuit/native/attesters"
)

type registerParams struct {
	Bond       string `json:"bond"`
	KeyEC      string `json:"keyEc"`
	KeyED      string `json:"keyEd"`
	KeySR      string `json:"keySr"`
	Commission *uint8 `json:"commission,omitempty"`
}

type nominateParams struct {
	Attester string `json:"attester"`
	Amount   string `json:"amount,omitempty"`
}

type agreeParams struct {
	Target      string `json:"target"`
	Recoverable string `json:"recoverable"`
}

type attestationParams struct {
	Target    string `json:"target"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

type commitBatchParams struct {
	Target string `json:"target"`
	Proof  string `json:"proof"`
}

type confirmCostParams struct {
	Target string `json:"target"`
	Cost   string `json:"cost"`
}

type attesterParams struct {
	Account string `json:"account"`
}

type attesterResult struct {
	Account    string `json:"account"`
	Index      uint32 `json:"index"`
	Commission uint8  `json:"commission"`
	Stake      string `json:"stake"`
	Slashed    bool   `json:"slashed"`
}

type committeeResult struct {
	Committee     []string `json:"committee"`
	ActiveSet     []string `json:"activeSet"`
	ActiveTargets []string `json:"activeTargets"`
}

type batchResult struct {
	Index      uint32 `json:"index"`
	Hash       string `json:"hash"`
	Status     string `json:"status"`
	Created    uint64 `json:"created"`
	Latency    string `json:"latency"`
	Committed  int    `json:"committed"`
	Reverted   int    `json:"reverted"`
	Signatures int    `json:"signatures"`
}

func (s *Server) handleRegisterAttester(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params registerParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	bond, err := parseAmount(params.Bond)
	if err != nil {
		return nil, err
	}
	var (
		keyEC        [33]byte
		keyED, keySR [32]byte
	)
	if err := parseFixed(params.KeyEC, keyEC[:]); err != nil {
		return nil, err
	}
	if err := parseFixed(params.KeyED, keyED[:]); err != nil {
		return nil, err
	}
	if err := parseFixed(params.KeySR, keySR[:]); err != nil {
		return nil, err
	}
	if err := s.rt.RegisterAttester(origin, bond, keyEC, keyED, keySR, params.Commission); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleDeregisterAttester(r *http.Request, _ *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	if err := s.rt.DeregisterAttester(origin); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleNominate(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params nominateParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	attester, err := parseAccount(params.Attester)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.rt.Nominate(origin, attester, amount); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleUnnominate(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params nominateParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	attester, err := parseAccount(params.Attester)
	if err != nil {
		return nil, err
	}
	if err := s.rt.Unnominate(origin, attester); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleAgreeToTarget(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params agreeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	target, err := parseGateway(params.Target)
	if err != nil {
		return nil, err
	}
	recoverable, err := parseBytes(params.Recoverable)
	if err != nil {
		return nil, err
	}
	if err := s.rt.AgreeToNewAttestationTarget(origin, target, recoverable); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleSubmitAttestation(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params attestationParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	target, err := parseGateway(params.Target)
	if err != nil {
		return nil, err
	}
	hash, err := parseHash(params.Hash)
	if err != nil {
		return nil, err
	}
	signature, err := parseBytes(params.Signature)
	if err != nil {
		return nil, err
	}
	if err := s.rt.SubmitAttestation(origin, target, hash, signature); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleCommitBatch(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params commitBatchParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	target, err := parseGateway(params.Target)
	if err != nil {
		return nil, err
	}
	proof, err := parseBytes(params.Proof)
	if err != nil {
		return nil, err
	}
	if err := s.rt.CommitBatch(origin, target, proof); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleSetConfirmationCost(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params confirmCostParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	target, err := parseGateway(params.Target)
	if err != nil {
		return nil, err
	}
	cost, err := parseOptionalAmount(params.Cost)
	if err != nil {
		return nil, err
	}
	if err := s.rt.SetConfirmationCost(origin, target, cost); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleAttesterInfo(_ *http.Request, req *RPCRequest) (interface{}, error) {
	var params attesterParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	who, err := parseAccount(params.Account)
	if err != nil {
		return nil, err
	}
	var out attesterResult
	err = s.rt.View(func() error {
		engine := s.rt.Engines().Attesters
		info, err := engine.Attester(who)
		if err != nil {
			return err
		}
		stake, err := engine.TotalStake(who)
		if err != nil {
			return err
		}
		out = attesterResult{
			Account:    info.Account.Hex(),
			Index:      info.Index,
			Commission: info.Commission,
			Stake:      stake.String(),
			Slashed:    engine.IsSlashed(who),
		}
		return nil
	})
	return out, err
}

func (s *Server) handleCommittee(_ *http.Request, _ *RPCRequest) (interface{}, error) {
	var out committeeResult
	err := s.rt.View(func() error {
		engine := s.rt.Engines().Attesters
		committee, err := engine.Committee()
		if err != nil {
			return err
		}
		active, err := engine.ActiveSet()
		if err != nil {
			return err
		}
		targets, err := engine.ActiveTargets()
		if err != nil {
			return err
		}
		out.Committee = accountStrings(committee)
		out.ActiveSet = accountStrings(active)
		out.ActiveTargets = make([]string, len(targets))
		for i, t := range targets {
			out.ActiveTargets[i] = t.String()
		}
		return nil
	})
	return out, err
}

func (s *Server) handleBatches(_ *http.Request, req *RPCRequest) (interface{}, error) {
	var params gatewayParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	target, err := parseGateway(params.Gateway)
	if err != nil {
		return nil, err
	}
	var out []batchResult
	err = s.rt.View(func() error {
		batches, err := s.rt.Engines().Attesters.Batches(target)
		if err != nil {
			return err
		}
		out = make([]batchResult, len(batches))
		for i, b := range batches {
			out[i] = batchView(b)
		}
		return nil
	})
	return out, err
}

func batchView(b *attesters.Batch) batchResult {
	return batchResult{
		Index:      b.Index,
		Hash:       hexID(b.Hash()),
		Status:     b.Status.String(),
		Created:    b.Created,
		Latency:    b.Latency.String(),
		Committed:  len(b.Committed),
		Reverted:   len(b.Reverted),
		Signatures: len(b.Signatures),
	}
}

func accountStrings(list []types.AccountID) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Hex()
	}
	return out
}
