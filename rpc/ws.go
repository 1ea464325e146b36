package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"circuit/core/events"
	"circuit/core/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 256
)

type subscriber struct {
	ch     chan types.Event
	filter map[string]struct{}
}

func (s *subscriber) wants(typ string) bool {
	if len(s.filter) == 0 {
		return true
	}
	if _, ok := s.filter[typ]; ok {
		return true
	}
	_, ok := s.filter[types.EventModule(typ)]
	return ok
}

// Hub fans committed runtime events out to websocket subscribers. Slow
// subscribers lose events rather than stall the runtime.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	payload, ok := events.Payload(evt)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(payload.Type) {
			continue
		}
		select {
		case sub.ch <- *payload:
		default:
			slog.Debug("rpc: websocket subscriber lagging, event dropped", "type", payload.Type)
		}
	}
}

// Subscribe registers a subscriber for the given event types or module
// prefixes. No types means every event.
func (h *Hub) Subscribe(filter ...string) (<-chan types.Event, func()) {
	sub := &subscriber{ch: make(chan types.Event, subscriberBuffer)}
	if len(filter) > 0 {
		sub.filter = make(map[string]struct{}, len(filter))
		for _, t := range filter {
			if t = strings.TrimSpace(t); t != "" {
				sub.filter[t] = struct{}{}
			}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams events. The optional "types"
// query parameter is a comma separated list of event types or modules.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter []string
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		filter = strings.Split(raw, ",")
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := h.Subscribe(filter...)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	if err := stream(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, updates <-chan types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
