package offcourse

import (
	"context"
	"sync"
	"testing"
	"time"
)

// probeSwitch is a concurrency-safe fake connectivity probe.
type probeSwitch struct {
	mu     sync.Mutex
	online bool
}

func (p *probeSwitch) set(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
}

func (p *probeSwitch) probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func newTestMonitor(t *testing.T, probe *probeSwitch) *NetworkMonitor {
	t.Helper()
	nm := NewNetworkMonitor(NetworkMonitorConfig{
		Probe:          probe.probe,
		Interval:       time.Hour, // driven via ForceCheck
		DebounceWindow: 10 * time.Millisecond,
	})
	t.Cleanup(nm.Stop)
	return nm
}

func TestNetworkMonitorStartsOnline(t *testing.T) {
	probe := &probeSwitch{online: true}
	nm := newTestMonitor(t, probe)
	if !nm.Online() {
		t.Error("monitor must start online")
	}
}

func TestNetworkMonitorDebouncedTransition(t *testing.T) {
	probe := &probeSwitch{online: false}
	nm := newTestMonitor(t, probe)
	_, transitions := nm.Subscribe()

	// A single bad sample is not a transition.
	nm.ForceCheck()
	if !nm.Online() {
		t.Fatal("single sample must not commit a transition")
	}

	// Held past the debounce window it commits.
	time.Sleep(15 * time.Millisecond)
	nm.ForceCheck()
	if nm.Online() {
		t.Fatal("expected offline after sustained bad samples")
	}

	select {
	case tr := <-transitions:
		if tr.Online {
			t.Errorf("expected offline transition, got %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition delivered")
	}
}

func TestNetworkMonitorIgnoresFlapping(t *testing.T) {
	probe := &probeSwitch{online: false}
	nm := newTestMonitor(t, probe)

	// Flap faster than the debounce window: offline sample, then recovery.
	nm.ForceCheck()
	probe.set(true)
	nm.ForceCheck()
	probe.set(false)
	nm.ForceCheck()

	if !nm.Online() {
		t.Error("flapping inside the debounce window must not transition")
	}
}

func TestNetworkMonitorRoundTrip(t *testing.T) {
	probe := &probeSwitch{online: false}
	nm := newTestMonitor(t, probe)
	_, transitions := nm.Subscribe()

	nm.ForceCheck()
	time.Sleep(15 * time.Millisecond)
	nm.ForceCheck()

	probe.set(true)
	nm.ForceCheck()
	time.Sleep(15 * time.Millisecond)
	nm.ForceCheck()

	if !nm.Online() {
		t.Fatal("expected online after sustained recovery")
	}

	var got []bool
	for len(got) < 2 {
		select {
		case tr := <-transitions:
			got = append(got, tr.Online)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 transitions, got %v", got)
		}
	}
	if got[0] != false || got[1] != true {
		t.Errorf("unexpected transition sequence %v", got)
	}
}

func TestNetworkMonitorUnsubscribe(t *testing.T) {
	probe := &probeSwitch{online: true}
	nm := newTestMonitor(t, probe)

	id, ch := nm.Subscribe()
	nm.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}
}

func TestNetworkMonitorStopClosesSubscriptions(t *testing.T) {
	probe := &probeSwitch{online: true}
	nm := NewNetworkMonitor(NetworkMonitorConfig{Probe: probe.probe, Interval: time.Millisecond})
	nm.Start()

	_, ch := nm.Subscribe()
	nm.Stop()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel closed after stop")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed on stop")
	}
}
