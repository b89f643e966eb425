package offcourse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Transition is a reported connectivity change.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// NetworkMonitorConfig configures connectivity observation.
type NetworkMonitorConfig struct {
	// Probe reports current reachability. Defaults to always-online when nil;
	// the client wires the backend health endpoint here.
	Probe func(ctx context.Context) bool

	// Interval is how often the probe runs. Default: 5s.
	Interval time.Duration

	// DebounceWindow is how long a state change must hold before it is
	// reported. Keeps flapping connections from causing sync storms.
	// Default: 2s.
	DebounceWindow time.Duration

	// ProbeTimeout bounds a single probe call. Default: 3s.
	ProbeTimeout time.Duration

	// BufferSize is the channel buffer per subscription. Default: 8.
	BufferSize int
}

// DefaultNetworkMonitorConfig returns default monitor configuration.
func DefaultNetworkMonitorConfig() NetworkMonitorConfig {
	return NetworkMonitorConfig{
		Interval:       5 * time.Second,
		DebounceWindow: 2 * time.Second,
		ProbeTimeout:   3 * time.Second,
		BufferSize:     8,
	}
}

// netSubscription is a single transition listener.
type netSubscription struct {
	id string
	ch chan Transition
}

// NetworkMonitor observes connectivity and reports debounced transitions.
// It is the sole automatic trigger for sync cycles.
type NetworkMonitor struct {
	config NetworkMonitorConfig

	mu           sync.RWMutex
	online       bool
	pendingState bool
	pendingSince time.Time
	subs         map[string]*netSubscription
	nextID       uint64
	running      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetworkMonitor creates a network monitor. The monitor starts in the
// online state; the first probe corrects it if needed.
func NewNetworkMonitor(config NetworkMonitorConfig) *NetworkMonitor {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.DebounceWindow < 0 {
		config.DebounceWindow = 2 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NetworkMonitor{
		config: config,
		online: true,
		subs:   make(map[string]*netSubscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Online returns the current debounced connectivity state.
func (nm *NetworkMonitor) Online() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.online
}

// Subscribe registers a transition listener. The returned channel drops
// events if the subscriber falls behind.
func (nm *NetworkMonitor) Subscribe() (string, <-chan Transition) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.nextID++
	id := fmt.Sprintf("net-%d", nm.nextID)
	sub := &netSubscription{id: id, ch: make(chan Transition, nm.config.BufferSize)}
	nm.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a transition listener.
func (nm *NetworkMonitor) Unsubscribe(id string) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if sub, ok := nm.subs[id]; ok {
		delete(nm.subs, id)
		close(sub.ch)
	}
}

// Start begins the background probe loop.
func (nm *NetworkMonitor) Start() {
	nm.mu.Lock()
	if nm.running {
		nm.mu.Unlock()
		return
	}
	nm.running = true
	nm.mu.Unlock()

	nm.wg.Add(1)
	go func() {
		defer nm.wg.Done()
		ticker := time.NewTicker(nm.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-nm.ctx.Done():
				return
			case <-ticker.C:
				nm.check()
			}
		}
	}()
}

// Stop shuts the monitor down and closes all subscriptions.
func (nm *NetworkMonitor) Stop() {
	nm.mu.Lock()
	if !nm.running {
		nm.mu.Unlock()
		return
	}
	nm.running = false
	nm.mu.Unlock()

	nm.cancel()
	nm.wg.Wait()

	nm.mu.Lock()
	for id, sub := range nm.subs {
		delete(nm.subs, id)
		close(sub.ch)
	}
	nm.mu.Unlock()
}

// check samples the probe once and advances the debounce machine.
// Exposed for tests through ForceCheck.
func (nm *NetworkMonitor) check() {
	sample := true
	if nm.config.Probe != nil {
		ctx, cancel := context.WithTimeout(nm.ctx, nm.config.ProbeTimeout)
		sample = nm.config.Probe(ctx)
		cancel()
	}

	now := time.Now()

	nm.mu.Lock()
	if sample == nm.online {
		// Stable; discard any half-formed transition.
		nm.pendingSince = time.Time{}
		nm.mu.Unlock()
		return
	}

	if nm.pendingSince.IsZero() || nm.pendingState != sample {
		nm.pendingState = sample
		nm.pendingSince = now
	}
	if now.Sub(nm.pendingSince) < nm.config.DebounceWindow {
		nm.mu.Unlock()
		return
	}

	// Held long enough: commit the transition.
	nm.online = sample
	nm.pendingSince = time.Time{}
	transition := Transition{Online: sample, At: now}
	subs := make([]*netSubscription, 0, len(nm.subs))
	for _, sub := range nm.subs {
		subs = append(subs, sub)
	}
	nm.mu.Unlock()

	slog.Info("connectivity transition", "online", sample)

	for _, sub := range subs {
		select {
		case sub.ch <- transition:
		default:
			// Subscriber is behind; drop the event.
		}
	}
}

// ForceCheck runs one probe sample immediately, outside the ticker cadence.
func (nm *NetworkMonitor) ForceCheck() {
	nm.check()
}
