package dealsd

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout      = 10 * time.Second
	defaultStreamBuffer = 64
)

// Hub fans committed notifications out to live stream subscribers. A
// subscriber that falls a full buffer behind is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch     chan Notification
	dealID string
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &Hub{subs: make(map[*subscription]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber. A blank dealID receives every deal. The
// returned cancel function is idempotent.
func (h *Hub) Subscribe(dealID string) (<-chan Notification, func()) {
	sub := &subscription{ch: make(chan Notification, h.buffer), dealID: strings.TrimSpace(dealID)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() { h.drop(sub) }
}

func (h *Hub) drop(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers n to every matching subscriber without blocking.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.dealID != "" && sub.dealID != n.DealID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errStreamUnavailable)
		return
	}
	after, err := parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, badRequest("invalid after cursor"))
		return
	}
	dealID := strings.TrimSpace(r.URL.Query().Get("dealId"))

	// subscribe before reading the backlog so nothing committed in between is lost
	updates, cancel := s.hub.Subscribe(dealID)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())

	last, err := s.streamBacklog(ctx, conn, after, dealID)
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return
			}
			if n.Seq <= last {
				continue
			}
			if err := writeNotification(ctx, conn, n); err != nil {
				return
			}
			last = n.Seq
		}
	}
}

func (s *Server) streamBacklog(ctx context.Context, conn *websocket.Conn, after uint64, dealID string) (uint64, error) {
	if s.journal == nil {
		return after, nil
	}
	last := after
	for {
		page, err := s.journal.Since(ctx, last, dealID, maxJournalPage)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "backlog unavailable")
			return last, err
		}
		for _, n := range page {
			if err := writeNotification(ctx, conn, n); err != nil {
				return last, err
			}
			last = n.Seq
		}
		if len(page) < maxJournalPage {
			return last, nil
		}
	}
}

func writeNotification(ctx context.Context, conn *websocket.Conn, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
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
