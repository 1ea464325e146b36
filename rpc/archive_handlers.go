package rpc

import (
	"encoding/json"
	"net/http"

	"circuit/archive"
)

const maxArchivePage = 500

type archiveEventsParams struct {
	Type      string `json:"type,omitempty"`
	Module    string `json:"module,omitempty"`
	XtxID     string `json:"xtxId,omitempty"`
	FromBlock uint64 `json:"fromBlock,omitempty"`
	ToBlock   uint64 `json:"toBlock,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type archiveEventResult struct {
	Block      uint64            `json:"block"`
	Seq        int               `json:"seq"`
	Type       string            `json:"type"`
	XtxID      string            `json:"xtxId,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

type archiveExportParams struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
}

func (s *Server) handleArchiveEvents(r *http.Request, req *RPCRequest) (interface{}, error) {
	if s.archive == nil {
		return nil, errArchiveDisabled
	}
	var params archiveEventsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
	}
	if params.Limit <= 0 || params.Limit > maxArchivePage {
		params.Limit = maxArchivePage
	}
	records, err := s.archive.Events(r.Context(), archive.Filter{
		Type:      params.Type,
		Module:    params.Module,
		XtxID:     params.XtxID,
		FromBlock: params.FromBlock,
		ToBlock:   params.ToBlock,
		Limit:     params.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]archiveEventResult, len(records))
	for i, rec := range records {
		out[i] = archiveEventResult{Block: rec.Block, Seq: rec.Seq, Type: rec.Type, XtxID: rec.XtxID}
		if rec.Attributes != "" {
			if err := json.Unmarshal([]byte(rec.Attributes), &out[i].Attributes); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *Server) handleArchiveExport(r *http.Request, req *RPCRequest) (interface{}, error) {
	origin, err := originFrom(r)
	if err != nil {
		return nil, err
	}
	if err := origin.EnsureRoot(); err != nil {
		return nil, err
	}
	if s.archive == nil || s.cfg.ExportDir == "" {
		return nil, errArchiveDisabled
	}
	var params archiveExportParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.ToBlock < params.FromBlock {
		return nil, invalidParams("toBlock precedes fromBlock")
	}
	path, n, err := s.archive.ExportParquet(r.Context(), s.cfg.ExportDir, params.FromBlock, params.ToBlock)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path, "events": n}, nil
}
