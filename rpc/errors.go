package rpc

import (
	"errors"
	"net/http"

	"circuit/core/types"
	"circuit/native/attesters"
	"circuit/native/circuit"
	"circuit/native/headers"
	"circuit/native/xdns"
)

var (
	errUnauthenticated = errors.New("rpc: authentication required")
	errArchiveDisabled = errors.New("rpc: archive not configured")
)

// paramError marks a request the caller malformed.
type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func invalidParams(msg string) error { return &paramError{msg: msg} }

var notFound = []error{
	xdns.ErrGatewayNotFound,
	xdns.ErrTokenNotFound,
	circuit.ErrXtxNotFound,
	circuit.ErrSideEffectNotFound,
	attesters.ErrNotRegistered,
	attesters.ErrBatchNotFound,
	headers.ErrUnknownGateway,
	headers.ErrUnknownHeader,
}

// classify maps a handler error onto an HTTP status and JSON-RPC code.
// Engine rejections are the caller's fault unless nothing recognises them.
func classify(err error) (int, int) {
	var pe *paramError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, types.ErrBadOrigin):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, errArchiveDisabled):
		return http.StatusServiceUnavailable, codeServerError
	}
	for _, target := range notFound {
		if errors.Is(err, target) {
			return http.StatusNotFound, codeNotFound
		}
	}
	return http.StatusUnprocessableEntity, codeServerError
}
