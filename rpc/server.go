package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"circuit/archive"
	"circuit/core"
	"circuit/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeNotFound       = -32004
	codeForbidden      = -32003
	codeRateLimited    = -32020
)

// Config configures the JSON-RPC server.
type Config struct {
	JWTSecret         string
	RootSubject       string
	RequestsPerSecond float64
	Burst             int
	// ExportDir receives parquet exports. Empty disables archive_export.
	ExportDir string
}

// Server exposes the runtime over JSON-RPC and streams its events over
// websockets.
type Server struct {
	rt      *core.Runtime
	cfg     Config
	auth    *Authenticator
	limiter *RateLimiter
	idem    *IdempotencyStore
	archive *archive.Store
	hub     *Hub
	metrics interface {
		Observe(string, int, time.Duration)
		RecordThrottle(string)
	}
}

// Option customises a server.
type Option func(*Server)

// WithIdempotency deduplicates retried commands carrying an Idempotency-Key.
func WithIdempotency(store *IdempotencyStore) Option {
	return func(s *Server) { s.idem = store }
}

// WithArchive enables the archive_* read methods.
func WithArchive(store *archive.Store) Option {
	return func(s *Server) { s.archive = store }
}

// WithHub attaches the event stream served on /ws.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// NewServer builds a server over rt.
func NewServer(rt *core.Runtime, cfg Config, opts ...Option) *Server {
	s := &Server{
		rt:      rt,
		cfg:     cfg,
		auth:    NewAuthenticator(cfg.JWTSecret, cfg.RootSubject),
		limiter: NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		metrics: observability.RPC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP surface: JSON-RPC on /, the event stream on /ws,
// prometheus metrics on /metrics and a liveness check on /healthz.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeHTTP)
	}
	r.With(s.limiter.Middleware(s.metrics), s.auth.Middleware, s.idempotency).Post("/", s.handle)
	return otelhttp.NewHandler(r, "circuit.rpc")
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// RPCRequest is a JSON-RPC 2.0 request. Params carries a single object.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

type handlerFunc func(r *http.Request, req *RPCRequest) (interface{}, error)

func (s *Server) methods() map[string]handlerFunc {
	return map[string]handlerFunc{
		"circuit_status": s.handleStatus,

		"xdns_gateways":          s.handleGateways,
		"xdns_gateway":           s.handleGateway,
		"xdns_tokens":            s.handleTokens,
		"xdns_initializeGateway": s.handleInitializeGateway,
		"xdns_purgeGateway":      s.handlePurgeGateway,
		"xdns_addToken":          s.handleAddToken,

		"portal_setOperational": s.handleSetOperational,
		"portal_setOwner":       s.handleSetOwner,
		"portal_reset":          s.handleReset,
		"portal_submitHeaders":  s.handleSubmitHeaders,
		"portal_submitRange":    s.handleSubmitRange,

		"bank_balance": s.handleBalance,

		"circuit_onExtrinsicTrigger": s.handleTrigger,
		"circuit_bid":                s.handleBid,
		"circuit_confirm":            s.handleConfirm,
		"circuit_cancel":             s.handleCancel,
		"circuit_revert":             s.handleRevert,
		"circuit_signal":             s.handleSignal,
		"circuit_xtx":                s.handleXtx,
		"circuit_dlq":                s.handleDLQ,

		"accounts_claim":          s.handleClaim,
		"accounts_pendingRewards": s.handlePendingRewards,

		"attesters_register":          s.handleRegisterAttester,
		"attesters_deregister":        s.handleDeregisterAttester,
		"attesters_nominate":          s.handleNominate,
		"attesters_unnominate":        s.handleUnnominate,
		"attesters_agreeToTarget":     s.handleAgreeToTarget,
		"attesters_submitAttestation": s.handleSubmitAttestation,
		"attesters_commitBatch":       s.handleCommitBatch,
		"attesters_addTarget":         s.handleAddTarget,
		"attesters_removeTarget":      s.handleRemoveTarget,
		"attesters_forceActivate":     s.handleForceActivate,
		"attesters_setConfirmCost":    s.handleSetConfirmationCost,
		"attesters_info":              s.handleAttesterInfo,
		"attesters_committee":         s.handleCommittee,
		"attesters_batches":           s.handleBatches,

		"vacuum_order":           s.handleOrder,
		"vacuum_singleOrder":     s.handleSingleOrder,
		"vacuum_remoteOrder":     s.handleRemoteOrder,
		"vacuum_readOrderStatus": s.handleReadOrderStatus,

		"archive_events": s.handleArchiveEvents,
		"archive_export": s.handleArchiveExport,
	}
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		s.metrics.Observe("invalid", status, time.Since(start))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		s.metrics.Observe("invalid", http.StatusBadRequest, time.Since(start))
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		s.metrics.Observe("invalid", http.StatusBadRequest, time.Since(start))
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		s.metrics.Observe("invalid", http.StatusBadRequest, time.Since(start))
		return
	}
	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		s.metrics.Observe("unknown", http.StatusNotFound, time.Since(start))
		return
	}

	result, err := handler(r, req)
	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			slog.Error("rpc: method failed", "method", req.Method, "error", err)
		} else {
			slog.Debug("rpc: method rejected", "method", req.Method, "error", err)
		}
		writeError(w, status, req.ID, code, err.Error(), nil)
		s.metrics.Observe(req.Method, status, time.Since(start))
		return
	}
	writeResult(w, req.ID, result)
	s.metrics.Observe(req.Method, http.StatusOK, time.Since(start))
}
