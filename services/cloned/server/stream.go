package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"clonechain/core/events"
	"clonechain/core/types"
	"clonechain/services/cloned/storage"
)

const defaultWriteTimeout = 10 * time.Second

// Broker fans committed events out to websocket subscribers. A subscriber
// whose buffer fills is dropped; clients reconnect with their last sequence.
type Broker struct {
	mu     sync.Mutex
	subs   map[chan types.Event]struct{}
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{subs: make(map[chan types.Event]struct{}), buffer: buffer}
}

// Emit implements events.Emitter.
func (b *Broker) Emit(e events.Event) {
	if b == nil || e == nil {
		return
	}
	evt := e.Event()
	if evt == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- *evt:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (b *Broker) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	after, err := parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		badRequest(w, r, err)
		return
	}
	eventType := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, after, eventType); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// streamEvents subscribes before reading the backlog so nothing committed in
// between is lost; duplicates are skipped by sequence.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64, eventType string) error {
	live, cancel := s.broker.Subscribe()
	defer cancel()

	last := after
	for {
		backlog, err := s.store.EventsAfter(ctx, storage.EventQuery{After: last, Type: eventType, Limit: s.cfg.BacklogLimit})
		if err != nil {
			return err
		}
		for _, evt := range backlog {
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				return err
			}
			last = evt.Sequence
		}
		if len(backlog) < s.cfg.BacklogLimit {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "subscriber lagged")
			}
			if evt.Sequence <= last || (eventType != "" && evt.Type != eventType) {
				continue
			}
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				return err
			}
			last = evt.Sequence
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseCursor(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
