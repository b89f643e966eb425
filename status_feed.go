package offcourse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusFeedConfig configures the real-time status feed.
type StatusFeedConfig struct {
	// Enabled turns on WebSocket status streaming
	Enabled bool
	// BufferSize is the channel buffer size per subscription
	BufferSize int
	// MinInterval coalesces bursts: at most one snapshot per interval
	// is published per subscriber
	MinInterval time.Duration
	// WriteTimeout for WebSocket writes
	WriteTimeout time.Duration
}

// DefaultStatusFeedConfig returns default feed configuration.
func DefaultStatusFeedConfig() StatusFeedConfig {
	return StatusFeedConfig{
		Enabled:      true,
		BufferSize:   16,
		MinInterval:  250 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// StatusSubscription is an active feed subscription.
type StatusSubscription struct {
	ID      string
	ch      chan Status
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
	created time.Time
}

// C returns the channel for receiving status snapshots.
func (s *StatusSubscription) C() <-chan Status {
	return s.ch
}

// Close closes the subscription.
func (s *StatusSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// StatusFeed pushes Status snapshots to in-process subscribers and
// WebSocket clients whenever engine state changes. Slow consumers are
// dropped onto the floor rather than allowed to block the engine.
type StatusFeed struct {
	reporter *StatusReporter
	config   StatusFeedConfig
	mu       sync.RWMutex
	subs     map[string]*StatusSubscription
	nextID   uint64
	lastPush time.Time
	pending  bool
}

// NewStatusFeed creates a status feed over the given reporter.
func NewStatusFeed(reporter *StatusReporter, cfg StatusFeedConfig) *StatusFeed {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	return &StatusFeed{
		reporter: reporter,
		config:   cfg,
		subs:     make(map[string]*StatusSubscription),
	}
}

// Subscribe creates a new in-process subscription.
func (f *StatusFeed) Subscribe() *StatusSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)

	sub := &StatusSubscription{
		ID:      id,
		ch:      make(chan Status, f.config.BufferSize),
		done:    make(chan struct{}),
		created: time.Now(),
	}

	f.subs[id] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (f *StatusFeed) Unsubscribe(id string) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	if ok {
		delete(f.subs, id)
	}
	f.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Notify computes a fresh snapshot and publishes it to all subscribers.
// Bursts inside MinInterval collapse into one trailing snapshot published
// once the interval elapses, so the last state change is never lost.
func (f *StatusFeed) Notify(ctx context.Context) {
	f.mu.Lock()
	if f.config.MinInterval > 0 {
		if since := time.Since(f.lastPush); since < f.config.MinInterval {
			if !f.pending {
				f.pending = true
				time.AfterFunc(f.config.MinInterval-since, f.flushPending)
			}
			f.mu.Unlock()
			return
		}
	}
	f.lastPush = time.Now()
	f.mu.Unlock()

	f.Publish(f.reporter.Status(ctx))
}

// flushPending publishes the snapshot deferred by MinInterval coalescing.
func (f *StatusFeed) flushPending() {
	f.mu.Lock()
	f.pending = false
	f.lastPush = time.Now()
	f.mu.Unlock()

	f.Publish(f.reporter.Status(context.Background()))
}

// Publish sends a snapshot to all subscriptions.
func (f *StatusFeed) Publish(s Status) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subs {
		select {
		case sub.ch <- s:
		default:
			// Buffer full, drop the snapshot
		}
	}
}

// Count returns the number of active subscriptions.
func (f *StatusFeed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// WebSocket handling

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedMessage is the JSON format for WebSocket messages.
type FeedMessage struct {
	Type   string  `json:"type"`
	Status *Status `json:"status,omitempty"`
	SubID  string  `json:"sub_id,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// WebSocketHandler returns an HTTP handler for WebSocket connections. Each
// connection gets the current snapshot on connect, then every change.
func (f *StatusFeed) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := feedUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub := f.Subscribe()
		defer f.Unsubscribe(sub.ID)

		resp, _ := json.Marshal(FeedMessage{Type: "subscribed", SubID: sub.ID})
		_ = conn.WriteMessage(websocket.TextMessage, resp)

		// Initial snapshot so clients render without waiting for a change
		current := f.reporter.Status(ctx)
		initial, _ := json.Marshal(FeedMessage{Type: "status", SubID: sub.ID, Status: &current})
		_ = conn.WriteMessage(websocket.TextMessage, initial)

		// Drain client reads so pings and close frames are processed
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		f.forwardStatus(ctx, conn, sub)
	}
}

func (f *StatusFeed) forwardStatus(ctx context.Context, conn *websocket.Conn, sub *StatusSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case s, ok := <-sub.ch:
			if !ok {
				return
			}
			msg, _ := json.Marshal(FeedMessage{Type: "status", SubID: sub.ID, Status: &s})
			if f.config.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
