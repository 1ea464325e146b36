package rpc

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"circuit/core/types"
	"circuit/native/xdns"
)

type statusResult struct {
	Block       uint64 `json:"block"`
	Root        string `json:"root"`
	SelfGateway string `json:"selfGateway"`
}

type gatewayResult struct {
	ID                 string   `json:"id"`
	Vendor             string   `json:"vendor"`
	Execution          string   `json:"execution"`
	Codec              string   `json:"codec"`
	EscrowAccount      string   `json:"escrowAccount,omitempty"`
	AllowedSideEffects []string `json:"allowedSideEffects"`
	Operational        bool     `json:"operational"`
	BestFinalized      *uint64  `json:"bestFinalized,omitempty"`
}

type tokenResult struct {
	AssetID  uint32 `json:"assetId"`
	Gateway  string `json:"gateway"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Address  string `json:"address,omitempty"`
	Mintable bool   `json:"mintable"`
}

type gatewayParams struct {
	Gateway string `json:"gateway"`
}

type operationalParams struct {
	Gateway     string `json:"gateway"`
	Operational bool   `json:"operational"`
}

type ownerParams struct {
	Gateway string `json:"gateway"`
	Owner   string `json:"owner"`
}

type submitHeadersParams struct {
	Gateway string `json:"gateway"`
	Payload string `json:"payload"`
}

type submitRangeParams struct {
	Gateway string   `json:"gateway"`
	Headers []string `json:"headers"`
	Anchor  string   `json:"anchor"`
}

type balanceParams struct {
	Account string `json:"account"`
	Asset   uint32 `json:"asset"`
}

type balanceResult struct {
	Account  string `json:"account"`
	Asset    uint32 `json:"asset"`
	Free     string `json:"free"`
	Reserved string `json:"reserved"`
}

type okResult struct {
	OK bool `json:"ok"`
}

var okReply = okResult{OK: true}

func (s *Server) handleStatus(_ *http.Request, _ *RPCRequest) (interface{}, error) {
	return statusResult{
		Block:       s.rt.Block(),
		Root:        s.rt.Root().Hex(),
		SelfGateway: s.rt.Params().SelfGateway.String(),
	}, nil
}

func (s *Server) gatewayView(record xdns.GatewayRecord) gatewayResult {
	e := s.rt.Engines()
	out := gatewayResult{
		ID:          record.ID.String(),
		Vendor:      record.VerificationVendor().String(),
		Execution:   record.ExecutionVendor().String(),
		Codec:       record.TargetCodec().String(),
		Operational: e.Headers.IsOperational(record.ID),
	}
	if record.EscrowAccount != nil {
		out.EscrowAccount = record.EscrowAccount.Hex()
	}
	out.AllowedSideEffects = make([]string, len(record.AllowedSideEffects))
	for i, action := range record.AllowedSideEffects {
		out.AllowedSideEffects[i] = string(action[:])
	}
	if best, err := e.Headers.BestFinalized(record.ID); err == nil {
		number := best.Number
		out.BestFinalized = &number
	}
	return out
}

func (s *Server) handleGateways(_ *http.Request, _ *RPCRequest) (interface{}, error) {
	var out []gatewayResult
	err := s.rt.View(func() error {
		records, err := s.rt.Engines().Registry.Gateways()
		if err != nil {
			return err
		}
		out = make([]gatewayResult, len(records))
		for i, record := range records {
			out[i] = s.gatewayView(record)
		}
		return nil
	})
	return out, err
}

func (s *Server) handleGateway(_ *http.Request, req *RPCRequest) (interface{}, error) {
	var params gatewayParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	gw, err := parseGateway(params.Gateway)
	if err != nil {
		return nil, err
	}
	var out gatewayResult
	err = s.rt.View(func() error {
		record, err := s.rt.Engines().Registry.Gateway(gw)
		if err != nil {
			return err
		}
		out = s.gatewayView(*record)
		return nil
	})
	return out, err
}

func (s *Server) handleTokens(_ *http.Request, _ *RPCRequest) (interface{}, error) {
	var out []tokenResult
	err := s.rt.View(func() error {
		tokens, err := s.rt.Engines().Registry.Tokens()
		if err != nil {
			return err
		}
		out = make([]tokenResult, len(tokens))
		for i, t := range tokens {
			out[i] = tokenResult{
				AssetID:  uint32(t.AssetID),
				Gateway:  t.Gateway.String(),
				Symbol:   t.Symbol,
				Decimals: t.Decimals,
				Mintable: t.Mintable,
			}
			if t.Address != nil {
				out[i].Address = t.Address.Hex()
			}
		}
		return nil
	})
	return out, err
}

func (s *Server) handleInitializeGateway(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params xdns.GatewayEntry
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	gw, err := params.Parse()
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := s.rt.InitializeGateway(origin, gw.Record, gw.Registration); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handlePurgeGateway(r *http.Request, req *RPCRequest) (interface{}, error) {
	return s.gatewayCommand(r, req, s.rt.PurgeGateway)
}

func (s *Server) handleReset(r *http.Request, req *RPCRequest) (interface{}, error) {
	return s.gatewayCommand(r, req, s.rt.ResetGateway)
}

func (s *Server) handleRemoveTarget(r *http.Request, req *RPCRequest) (interface{}, error) {
	return s.gatewayCommand(r, req, s.rt.RemoveAttestationTarget)
}

func (s *Server) handleAddTarget(r *http.Request, req *RPCRequest) (interface{}, error) {
	return s.gatewayCommand(r, req, s.rt.AddAttestationTarget)
}

func (s *Server) handleForceActivate(r *http.Request, req *RPCRequest) (interface{}, error) {
	return s.gatewayCommand(r, req, s.rt.ForceActivateTarget)
}

// gatewayCommand runs a command whose only argument is a gateway id.
func (s *Server) gatewayCommand(r *http.Request, req *RPCRequest, fn func(types.Origin, types.GatewayID) error) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params gatewayParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	gw, err := parseGateway(params.Gateway)
	if err != nil {
		return nil, err
	}
	if err := fn(origin, gw); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleAddToken(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params xdns.TokenEntry
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	token, err := params.Parse()
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := s.rt.AddToken(origin, token); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleSetOperational(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params operationalParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	gw, err := parseGateway(params.Gateway)
	if err != nil {
		return nil, err
	}
	if err := s.rt.SetOperational(origin, gw, params.Operational); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleSetOwner(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params ownerParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	gw, err := parseGateway(params.Gateway)
	if err != nil {
		return nil, err
	}
	owner, err := parseAccount(params.Owner)
	if err != nil {
		return nil, err
	}
	if err := s.rt.SetGatewayOwner(origin, gw, owner); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleSubmitHeaders(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params submitHeadersParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	gw, err := parseGateway(params.Gateway)
	if err != nil {
		return nil, err
	}
	payload, err := parseBytes(params.Payload)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, invalidParams("payload is required")
	}
	if err := s.rt.SubmitHeaders(origin, gw, payload); err != nil {
		return nil, err
	}
	return okReply, nil
}

func (s *Server) handleSubmitRange(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	var params submitRangeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	gw, err := parseGateway(params.Gateway)
	if err != nil {
		return nil, err
	}
	anchor, err := parseHash(params.Anchor)
	if err != nil {
		return nil, err
	}
	encoded := make([][]byte, len(params.Headers))
	for i, h := range params.Headers {
		if encoded[i], err = parseBytes(h); err != nil {
			return nil, err
		}
	}
	imported, err := s.rt.SubmitHeaderRange(origin, gw, encoded, common.Hash(anchor))
	if err != nil {
		return nil, err
	}
	return map[string]int{"imported": imported}, nil
}

func (s *Server) handleBalance(_ *http.Request, req *RPCRequest) (interface{}, error) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	who, err := parseAccount(params.Account)
	if err != nil {
		return nil, err
	}
	out := balanceResult{Account: who.Hex(), Asset: params.Asset}
	err = s.rt.View(func() error {
		bal, err := s.rt.Engines().Ledger.Balance(who, types.AssetID(params.Asset))
		if err != nil {
			return err
		}
		out.Free = bal.Free.String()
		out.Reserved = bal.Reserved.String()
		return nil
	})
	return out, err
}
