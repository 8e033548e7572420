// Package broadcast pushes snapshots to WebSocket subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"traffic-state/internal/platform/metrics"
	"traffic-state/internal/traffic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrTransportDisconnected marks a subscriber whose channel broke or fell
// behind. The hub drops it and keeps serving the others.
var ErrTransportDisconnected = errors.New("transport disconnected")

const (
	// DefaultBuffer is the number of snapshots queued per subscriber before
	// it is considered too slow and dropped.
	DefaultBuffer = 4

	writeTimeout = 5 * time.Second
)

// HubOptions configure a Hub.
type HubOptions struct {
	Buffer         int
	OriginPatterns []string // allowed cross-origin hosts, see websocket.AcceptOptions
	Log            *slog.Logger
	Metrics        *metrics.Metrics
}

type subscriber struct {
	id      uuid.UUID
	send    chan []byte
	started time.Time
}

// Hub fans each snapshot out to every connected subscriber. Snapshots are
// encoded once per tick; a subscriber that cannot keep up is dropped rather
// than slowing the aggregator down.
type Hub struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]*subscriber
	last    []byte
	closed  bool
	buffer  int
	origins []string
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHub returns an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Hub{
		subs:    make(map[uuid.UUID]*subscriber),
		buffer:  opts.Buffer,
		origins: opts.OriginPatterns,
		log:     opts.Log,
		metrics: opts.Metrics,
	}
}

// Subscribe adds a subscriber and returns its id and payload channel. The
// most recent snapshot, if any, is queued right away. The channel is closed
// when the subscriber is dropped or the hub closes.
func (h *Hub) Subscribe() (uuid.UUID, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &subscriber{id: uuid.New(), send: make(chan []byte, h.buffer), started: time.Now()}
	if h.closed {
		close(s.send)
		return s.id, s.send
	}
	if h.last != nil {
		s.send <- h.last
	}
	h.subs[s.id] = s
	h.metrics.SetSubscribers(len(h.subs))
	h.log.Debug("subscriber added", slog.String("subscriber", s.id.String()), slog.Int("total", len(h.subs)))
	return s.id, s.send
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[id]
	if !ok {
		return
	}
	close(s.send)
	delete(h.subs, id)
	h.metrics.SetSubscribers(len(h.subs))
	h.log.Debug("subscriber removed",
		slog.String("subscriber", id.String()),
		slog.Duration("connected_for", time.Since(s.started)),
		slog.Int("remaining", len(h.subs)))
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish implements traffic.Sink. It never blocks on a subscriber.
func (h *Hub) Publish(_ context.Context, snap traffic.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	h.broadcast(data)
	return nil
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.last = data
	for id, s := range h.subs {
		select {
		case s.send <- data:
		default:
			close(s.send)
			delete(h.subs, id)
			h.metrics.IncSubscribersDropped()
			h.log.Warn("dropping slow subscriber",
				slog.String("subscriber", id.String()),
				slog.String("error", ErrTransportDisconnected.Error()))
		}
	}
	h.metrics.SetSubscribers(len(h.subs))
}

// Close disconnects every subscriber. Later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.send)
		delete(h.subs, id)
	}
	h.metrics.SetSubscribers(0)
}

// ServeHTTP upgrades the request to a WebSocket and streams one JSON text
// message per snapshot until the client goes away or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	// Clients never send; CloseRead handles control frames and cancels ctx on close.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber fell behind")
				return
			}
			if err := write(ctx, conn, data); err != nil {
				h.log.Debug("subscriber write failed",
					slog.String("subscriber", id.String()),
					slog.String("error", fmt.Errorf("%w: %w", ErrTransportDisconnected, err).Error()))
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
