package offcourse

import (
	"context"
	"time"
)

// Status is a point-in-time snapshot of the offline engine. It is a pure
// read: computing it performs no network calls and triggers no syncs.
type Status struct {
	// Online is the debounced connectivity verdict.
	Online bool `json:"online"`

	// SyncInProgress reports whether a sync cycle is currently running.
	SyncInProgress bool `json:"sync_in_progress"`

	// SyncPhase names the cycle's state machine position.
	SyncPhase string `json:"sync_phase"`

	// LastSyncAt is when the last successful cycle finished; zero when no
	// cycle has ever completed.
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`

	// LastError carries the most recent cycle failure, empty when the last
	// cycle succeeded.
	LastError string `json:"last_error,omitempty"`

	// QueueDepth is the number of operations awaiting replay.
	QueueDepth int `json:"queue_depth"`

	// HasOfflineData reports whether local changes have not yet reached
	// the backend.
	HasOfflineData bool `json:"has_offline_data"`

	// HasLocalData reports whether the essential set for the active course
	// is present and fresh, i.e. the learner could go offline right now.
	HasLocalData bool `json:"has_local_data"`

	// ActiveCourse is the course whose essentials are pinned, if any.
	ActiveCourse string `json:"active_course,omitempty"`

	// Documents is the total cached document count.
	Documents int `json:"documents"`

	// Stats carries cumulative sync counters.
	Stats SyncStats `json:"stats"`
}

// StatusReporter aggregates engine state into Status snapshots for UI
// consumption.
type StatusReporter struct {
	store      DocumentStore
	queue      *MutationQueue
	monitor    *NetworkMonitor
	manager    *SyncManager
	essentials *EssentialCache
}

// NewStatusReporter creates a status reporter over the given components.
// Any component may be nil; its fields then report zero values.
func NewStatusReporter(store DocumentStore, queue *MutationQueue, monitor *NetworkMonitor, manager *SyncManager, essentials *EssentialCache) *StatusReporter {
	return &StatusReporter{
		store:      store,
		queue:      queue,
		monitor:    monitor,
		manager:    manager,
		essentials: essentials,
	}
}

// Status computes a snapshot. Errors from the underlying components are
// tolerated; the affected fields simply report zero values, because a
// status read must never fail the caller.
func (sr *StatusReporter) Status(ctx context.Context) Status {
	var s Status

	if sr.monitor != nil {
		s.Online = sr.monitor.Online()
	}

	if sr.manager != nil {
		state := sr.manager.State()
		s.SyncInProgress = sr.manager.InProgress()
		s.SyncPhase = sr.manager.Phase().String()
		s.LastSyncAt = state.LastSyncAt
		s.LastError = state.LastError
		s.Stats = sr.manager.Stats()
	}

	if sr.queue != nil {
		if depth, err := sr.queue.Len(ctx); err == nil {
			s.QueueDepth = depth
			s.HasOfflineData = depth > 0
		}
	}

	if sr.essentials != nil {
		cache := sr.essentials.Status(ctx)
		s.HasLocalData = cache.HasLocalData
		s.ActiveCourse = cache.ActiveCourse
	}

	if sr.store != nil {
		if n, err := sr.store.Count(ctx); err == nil {
			s.Documents = n
		}
	}

	return s
}
