package offcourse

import (
	"context"
	"testing"
	"time"
)

func TestStatusReporterAggregates(t *testing.T) {
	backend := newFakeBackend()
	store := NewMemoryStore()
	defer store.Close()
	queue := newTestQueue(t)
	monitor := NewNetworkMonitor(NetworkMonitorConfig{Interval: time.Hour})
	defer monitor.Stop()
	manager := NewSyncManager(store, queue, backend, monitor, fastSyncConfig())
	reporter := NewStatusReporter(store, queue, monitor, manager, nil)
	ctx := context.Background()

	s := reporter.Status(ctx)
	if !s.Online {
		t.Error("expected online before any probe")
	}
	if s.SyncInProgress || s.QueueDepth != 0 || s.HasOfflineData {
		t.Errorf("expected quiescent initial status, got %+v", s)
	}
	if s.SyncPhase != "idle" {
		t.Errorf("expected idle phase, got %q", s.SyncPhase)
	}

	enqueueOp(t, queue, OpModuleComplete, "c1", "m1", `{}`)
	if err := store.Put(ctx, testDoc(EntityCourse, "c1", `{}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	s = reporter.Status(ctx)
	if s.QueueDepth != 1 || !s.HasOfflineData {
		t.Errorf("expected pending offline data, got %+v", s)
	}
	if s.Documents != 1 {
		t.Errorf("expected 1 cached document, got %d", s.Documents)
	}

	if err := manager.RequestSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	s = reporter.Status(ctx)
	if s.HasOfflineData || s.QueueDepth != 0 {
		t.Errorf("expected drained status, got %+v", s)
	}
	if s.LastSyncAt.IsZero() {
		t.Error("expected last sync timestamp")
	}
	if s.Stats.OpsAcked != 1 {
		t.Errorf("expected acked op counted, got %+v", s.Stats)
	}
}

func TestStatusReporterSurvivesNilComponents(t *testing.T) {
	reporter := NewStatusReporter(nil, nil, nil, nil, nil)
	s := reporter.Status(context.Background())
	if s.Online || s.QueueDepth != 0 || s.HasLocalData {
		t.Errorf("expected zero status, got %+v", s)
	}
}

func TestStatusFeedPublish(t *testing.T) {
	reporter := NewStatusReporter(nil, nil, nil, nil, nil)
	feed := NewStatusFeed(reporter, StatusFeedConfig{BufferSize: 4})

	sub := feed.Subscribe()
	defer feed.Unsubscribe(sub.ID)

	feed.Publish(Status{Online: true, QueueDepth: 3})

	select {
	case s := <-sub.C():
		if !s.Online || s.QueueDepth != 3 {
			t.Errorf("unexpected snapshot %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestStatusFeedDropsWhenSubscriberSlow(t *testing.T) {
	reporter := NewStatusReporter(nil, nil, nil, nil, nil)
	feed := NewStatusFeed(reporter, StatusFeedConfig{BufferSize: 1})

	sub := feed.Subscribe()
	defer feed.Unsubscribe(sub.ID)

	// Publishing past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			feed.Publish(Status{QueueDepth: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestStatusFeedNotifyCoalesces(t *testing.T) {
	reporter := NewStatusReporter(nil, nil, nil, nil, nil)
	feed := NewStatusFeed(reporter, StatusFeedConfig{BufferSize: 16, MinInterval: time.Hour})

	sub := feed.Subscribe()
	defer feed.Unsubscribe(sub.ID)
	ctx := context.Background()

	feed.Notify(ctx)
	feed.Notify(ctx)
	feed.Notify(ctx)

	received := 0
	for {
		select {
		case <-sub.C():
			received++
		case <-time.After(50 * time.Millisecond):
			if received != 1 {
				t.Errorf("expected burst coalesced to 1 snapshot, got %d", received)
			}
			return
		}
	}
}

func TestStatusFeedPublishesTrailingSnapshot(t *testing.T) {
	reporter := NewStatusReporter(nil, nil, nil, nil, nil)
	feed := NewStatusFeed(reporter, StatusFeedConfig{BufferSize: 16, MinInterval: 20 * time.Millisecond})

	sub := feed.Subscribe()
	defer feed.Unsubscribe(sub.ID)
	ctx := context.Background()

	// First notify publishes immediately; the burst behind it must still
	// surface as one trailing snapshot after the interval elapses.
	feed.Notify(ctx)
	feed.Notify(ctx)
	feed.Notify(ctx)

	received := 0
	deadline := time.After(500 * time.Millisecond)
	for received < 2 {
		select {
		case <-sub.C():
			received++
		case <-deadline:
			t.Fatalf("expected immediate + trailing snapshot, got %d", received)
		}
	}
}

func TestStatusFeedUnsubscribeClosesChannel(t *testing.T) {
	reporter := NewStatusReporter(nil, nil, nil, nil, nil)
	feed := NewStatusFeed(reporter, DefaultStatusFeedConfig())

	sub := feed.Subscribe()
	if feed.Count() != 1 {
		t.Fatalf("expected 1 subscription, got %d", feed.Count())
	}
	feed.Unsubscribe(sub.ID)
	if feed.Count() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", feed.Count())
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected channel closed after unsubscribe")
	}
}
