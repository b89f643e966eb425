package offcourse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SyncPhase is the sync cycle state machine position.
type SyncPhase int

const (
	// SyncIdle means no cycle is running.
	SyncIdle SyncPhase = iota
	// SyncChecking means the manager is deciding whether a sync is needed.
	SyncChecking
	// SyncDraining means queued operations are being replayed.
	SyncDraining
	// SyncReconciling means authoritative server state is being merged back.
	SyncReconciling
	// SyncFailed means the last cycle ended in error; the next trigger retries.
	SyncFailed
)

func (p SyncPhase) String() string {
	switch p {
	case SyncIdle:
		return "idle"
	case SyncChecking:
		return "checking"
	case SyncDraining:
		return "draining"
	case SyncReconciling:
		return "reconciling"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncStats contains cumulative synchronization statistics.
type SyncStats struct {
	TotalSyncs       int64         `json:"total_syncs"`
	SuccessfulSyncs  int64         `json:"successful_syncs"`
	FailedSyncs      int64         `json:"failed_syncs"`
	SkippedSyncs     int64         `json:"skipped_syncs"`
	OpsAcked         int64         `json:"ops_acked"`
	OpsDropped       int64         `json:"ops_dropped"`
	RecordsMerged    int64         `json:"records_merged"`
	LastSyncDuration time.Duration `json:"last_sync_duration"`
}

// SyncManagerConfig configures the reconciliation cycle.
type SyncManagerConfig struct {
	// BatchSize is how many queued operations are drained per batch.
	// Default: 50.
	BatchSize int

	// Staleness is how old the last successful sync may be before an
	// otherwise empty queue still warrants a cycle. Default: 15m.
	Staleness time.Duration

	// Interval is the periodic trigger cadence while online
	// (0 disables periodic syncs; reconnect and manual triggers remain).
	Interval time.Duration

	// Retry configures per-operation backend retries within a cycle.
	Retry RetryConfig

	// BreakerFailures and BreakerReset configure the backend circuit
	// breaker. Defaults: 5 failures, 60s reset.
	BreakerFailures int
	BreakerReset    time.Duration

	// OnError receives surfaced errors for operations dropped after a
	// backend rejection. The UI error handler hangs off this.
	OnError func(error)
}

// DefaultSyncManagerConfig returns default sync manager configuration.
func DefaultSyncManagerConfig() SyncManagerConfig {
	return SyncManagerConfig{
		BatchSize:       50,
		Staleness:       15 * time.Minute,
		Interval:        time.Minute,
		Retry:           DefaultRetryConfig(),
		BreakerFailures: 5,
		BreakerReset:    60 * time.Second,
	}
}

// SyncManager orchestrates the reconciliation cycle: decides when a sync is
// needed, drains the mutation queue against the backend, and merges
// authoritative state back into the local store.
//
// At most one cycle runs at a time. A trigger arriving while a cycle is in
// flight is coalesced: it schedules one follow-up cycle after the current
// one finishes, never a parallel one. A cycle is not cancellable
// mid-drain; operations already sent are allowed to complete.
type SyncManager struct {
	config  SyncManagerConfig
	store   DocumentStore
	queue   *MutationQueue
	backend Backend
	monitor *NetworkMonitor

	mu         sync.Mutex
	inProgress bool
	followUp   bool
	phase      SyncPhase
	state      SyncState
	stats      SyncStats
	notify     func()

	retryer *Retryer
	breaker *CircuitBreaker

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncManager creates a sync manager. The persisted sync state is loaded
// from the store so staleness survives restarts.
func NewSyncManager(store DocumentStore, queue *MutationQueue, backend Backend, monitor *NetworkMonitor, config SyncManagerConfig) *SyncManager {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Staleness <= 0 {
		config.Staleness = 15 * time.Minute
	}
	if config.BreakerFailures <= 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm := &SyncManager{
		config:  config,
		store:   store,
		queue:   queue,
		backend: backend,
		monitor: monitor,
		phase:   SyncIdle,
		retryer: NewRetryer(config.Retry),
		breaker: NewCircuitBreaker(config.BreakerFailures, config.BreakerReset),
		ctx:     ctx,
		cancel:  cancel,
	}

	if state, err := store.LoadSyncState(context.Background()); err == nil {
		sm.state = state
	}
	sm.state.InProgress = false

	return sm
}

// SetNotify registers a callback invoked after every phase change. The
// status feed hangs off this.
func (sm *SyncManager) SetNotify(fn func()) {
	sm.mu.Lock()
	sm.notify = fn
	sm.mu.Unlock()
}

// Start begins reacting to connectivity transitions and, when configured,
// periodic triggers.
func (sm *SyncManager) Start() {
	sm.mu.Lock()
	if sm.running {
		sm.mu.Unlock()
		return
	}
	sm.running = true
	sm.mu.Unlock()

	if sm.monitor != nil {
		subID, transitions := sm.monitor.Subscribe()
		sm.wg.Add(1)
		go func() {
			defer sm.wg.Done()
			defer sm.monitor.Unsubscribe(subID)
			for {
				select {
				case <-sm.ctx.Done():
					return
				case t, ok := <-transitions:
					if !ok {
						return
					}
					if t.Online {
						// Reconnect is the primary automatic trigger.
						if err := sm.RequestSync(sm.ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
							slog.Error("reconnect sync failed", "err", err)
						}
					}
				}
			}
		}()
	}

	if sm.config.Interval > 0 {
		sm.wg.Add(1)
		go func() {
			defer sm.wg.Done()
			ticker := time.NewTicker(sm.config.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-sm.ctx.Done():
					return
				case <-ticker.C:
					if err := sm.RequestSync(sm.ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
						slog.Error("periodic sync failed", "err", err)
					}
				}
			}
		}()
	}
}

// Stop shuts down the background triggers. An in-flight cycle in another
// goroutine finishes on its own.
func (sm *SyncManager) Stop() {
	sm.mu.Lock()
	if !sm.running {
		sm.mu.Unlock()
		return
	}
	sm.running = false
	sm.mu.Unlock()

	sm.cancel()
	sm.wg.Wait()
}

// RequestSync runs a sync cycle in the calling goroutine. If a cycle is
// already in flight the trigger is coalesced into a follow-up cycle and
// ErrSyncInProgress is returned; callers may treat that as benign.
func (sm *SyncManager) RequestSync(ctx context.Context) error {
	sm.mu.Lock()
	if sm.inProgress {
		sm.followUp = true
		sm.mu.Unlock()
		return ErrSyncInProgress
	}
	sm.inProgress = true
	sm.mu.Unlock()

	var lastErr error
	for {
		lastErr = sm.runCycle(ctx)

		sm.mu.Lock()
		if !sm.followUp {
			sm.inProgress = false
			sm.mu.Unlock()
			return lastErr
		}
		sm.followUp = false
		sm.mu.Unlock()
	}
}

// NeedsSync reports whether a cycle would do any work: the queue is
// non-empty or the last successful sync is stale.
func (sm *SyncManager) NeedsSync(ctx context.Context) bool {
	depth, err := sm.queue.Len(ctx)
	if err == nil && depth > 0 {
		return true
	}

	sm.mu.Lock()
	last := sm.state.LastSyncAt
	sm.mu.Unlock()
	return last.IsZero() || time.Since(last) > sm.config.Staleness
}

func (sm *SyncManager) setPhase(ctx context.Context, phase SyncPhase, lastErr error) {
	sm.mu.Lock()
	sm.phase = phase
	switch phase {
	case SyncChecking:
		sm.state.InProgress = true
	case SyncIdle:
		sm.state.InProgress = false
		if lastErr == nil {
			sm.state.LastSyncAt = time.Now()
			sm.state.LastError = ""
		}
	case SyncFailed:
		sm.state.InProgress = false
		if lastErr != nil {
			sm.state.LastError = lastErr.Error()
		}
	}
	state := sm.state
	notify := sm.notify
	sm.mu.Unlock()

	if phase == SyncIdle || phase == SyncFailed {
		if err := sm.store.SaveSyncState(ctx, state); err != nil {
			slog.Error("persist sync state failed", "err", err)
		}
	}
	if notify != nil {
		notify()
	}
}

// runCycle executes one Checking → Draining → Reconciling pass.
func (sm *SyncManager) runCycle(ctx context.Context) error {
	start := time.Now()
	sm.setPhase(ctx, SyncChecking, nil)

	if !sm.NeedsSync(ctx) {
		sm.mu.Lock()
		sm.stats.SkippedSyncs++
		sm.mu.Unlock()
		sm.setPhase(ctx, SyncIdle, nil)
		return nil
	}

	sm.mu.Lock()
	sm.stats.TotalSyncs++
	sm.mu.Unlock()

	sm.setPhase(ctx, SyncDraining, nil)
	courses, drainErr := sm.drain(ctx)

	var cycleErr error
	if drainErr != nil {
		cycleErr = drainErr
	} else {
		sm.setPhase(ctx, SyncReconciling, nil)
		cycleErr = sm.reconcile(ctx, courses)
	}

	sm.mu.Lock()
	sm.stats.LastSyncDuration = time.Since(start)
	if cycleErr == nil {
		sm.stats.SuccessfulSyncs++
	} else {
		sm.stats.FailedSyncs++
	}
	sm.mu.Unlock()

	if cycleErr != nil {
		slog.Error("sync cycle failed", "err", cycleErr, "duration", time.Since(start))
		sm.setPhase(ctx, SyncFailed, cycleErr)
		sm.setPhase(ctx, SyncIdle, cycleErr)
		return cycleErr
	}

	slog.Info("sync cycle complete", "duration", time.Since(start))
	sm.setPhase(ctx, SyncIdle, nil)
	return nil
}

// drain replays queued operations in order. Returns the set of course ids
// touched, for reconciliation. A transient failure leaves the un-acked
// operation in place and aborts the drain; a rejection drops the operation
// and surfaces the error once.
func (sm *SyncManager) drain(ctx context.Context) (map[string]bool, error) {
	courses := make(map[string]bool)

	for {
		ops, err := sm.queue.PeekBatch(ctx, sm.config.BatchSize)
		if err != nil {
			return courses, fmt.Errorf("peek queue: %w", err)
		}
		if len(ops) == 0 {
			return courses, nil
		}

		for _, op := range ops {
			courses[op.CourseID] = true

			err := sm.send(ctx, op)
			switch {
			case err == nil:
				if err := sm.queue.Ack(ctx, op.Seq); err != nil {
					return courses, fmt.Errorf("ack operation %d: %w", op.Seq, err)
				}
				sm.mu.Lock()
				sm.stats.OpsAcked++
				sm.mu.Unlock()

			case errors.Is(err, ErrBackendRejected):
				// Never block the queue on an operation the backend will
				// keep refusing. Surface once, then drop.
				opErr := &OpError{OpID: op.ID, Kind: op.Kind, Err: err}
				slog.Error("operation rejected by backend", "op_id", op.ID, "kind", op.Kind, "err", err)
				if sm.config.OnError != nil {
					sm.config.OnError(opErr)
				}
				if err := sm.queue.Drop(ctx, op.Seq); err != nil {
					return courses, fmt.Errorf("drop operation %d: %w", op.Seq, err)
				}
				sm.mu.Lock()
				sm.stats.OpsDropped++
				sm.mu.Unlock()

			default:
				// Transient: the operation stays queued, idempotency-keyed,
				// safe to replay on the next trigger.
				if reqErr := sm.queue.Requeue(ctx, op.Seq); reqErr != nil {
					return courses, fmt.Errorf("requeue operation %d: %w", op.Seq, reqErr)
				}
				return courses, fmt.Errorf("drain operation %s: %w", op.ID, err)
			}
		}
	}
}

// send replays one operation against the backend with bounded retries and
// the circuit breaker.
func (sm *SyncManager) send(ctx context.Context, op *QueuedOperation) error {
	result := sm.retryer.Do(ctx, func() error {
		return sm.breaker.Execute(func() error {
			switch op.Kind {
			case OpProgressUpdate:
				return sm.backend.UpdateLessonProgress(ctx, op.ID, op.CourseID, op.TargetID, op.Payload)
			case OpModuleComplete:
				return sm.backend.CompleteModule(ctx, op.ID, op.CourseID, op.TargetID, op.Payload)
			case OpQuizSubmit:
				return sm.backend.SubmitQuiz(ctx, op.ID, op.CourseID, op.TargetID, op.Payload)
			default:
				return &OpError{OpID: op.ID, Kind: op.Kind, Err: ErrInvalidKind}
			}
		})
	})
	return result.LastErr
}

// reconcile merges authoritative server progress into the local store using
// the monotonic max rule; locally known progress never regresses.
func (sm *SyncManager) reconcile(ctx context.Context, courses map[string]bool) error {
	// Courses with cached progress are reconciled even when no operation
	// for them was drained this cycle.
	err := sm.store.Scan(ctx, EntityProgress, func(doc *CachedDocument) error {
		if rec, err := decodeProgress(doc); err == nil {
			courses[rec.CourseID] = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan progress records: %w", err)
	}

	var firstErr error
	for courseID := range courses {
		if courseID == "" {
			continue
		}
		records, err := sm.backend.GetCourseProgress(ctx, courseID)
		if err != nil {
			slog.Error("fetch course progress failed", "course", courseID, "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("reconcile course %s: %w", courseID, err)
			}
			continue
		}

		for _, server := range records {
			if err := sm.mergeRecord(ctx, server); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func (sm *SyncManager) mergeRecord(ctx context.Context, server *ProgressRecord) error {
	key := ProgressKey(server.CourseID, server.LessonID)

	var local *ProgressRecord
	doc, err := sm.store.Get(ctx, EntityProgress, key)
	switch {
	case err == nil:
		local, err = decodeProgress(doc)
		if err != nil {
			// Corrupt local record: the server copy replaces it.
			slog.Warn("replacing corrupt progress record", "key", key, "err", err)
			local = nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return fmt.Errorf("read progress %s: %w", key, err)
	}

	merged := MergeProgress(local, server)
	mergedDoc, err := progressDocument(merged, time.Now())
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", key, err)
	}
	if err := sm.store.Put(ctx, mergedDoc); err != nil {
		return fmt.Errorf("write progress %s: %w", key, err)
	}

	sm.mu.Lock()
	sm.stats.RecordsMerged++
	sm.mu.Unlock()
	return nil
}

// State returns a copy of the current sync state.
func (sm *SyncManager) State() SyncState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Phase returns the current state machine position.
func (sm *SyncManager) Phase() SyncPhase {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.phase
}

// Stats returns a copy of cumulative sync statistics.
func (sm *SyncManager) Stats() SyncStats {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.stats
}

// InProgress reports whether a cycle is currently running.
func (sm *SyncManager) InProgress() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.inProgress
}
