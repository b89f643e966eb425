package offcourse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// ProgressUpdate describes a learner's advance through a lesson.
type ProgressUpdate struct {
	CourseID        string        `json:"course_id"`
	LessonID        string        `json:"lesson_id"`
	TimeSpent       time.Duration `json:"time_spent"`
	CurrentPosition float64       `json:"current_position"`
	Completed       bool          `json:"completed"`
}

// QuizSubmission carries a completed quiz attempt.
type QuizSubmission struct {
	CourseID string          `json:"course_id"`
	QuizID   string          `json:"quiz_id"`
	Score    float64         `json:"score"`
	Answers  json.RawMessage `json:"answers,omitempty"`
}

// Client is the top-level offline engine facade. It composes the document
// store, mutation queue, network monitor, sync manager, essential cache and
// status surfaces behind the handful of calls the learning UI makes.
//
// Every write lands durably in the local store before anything touches the
// network; a crash or disconnect immediately after any call loses nothing.
type Client struct {
	config     Config
	store      DocumentStore
	queue      *MutationQueue
	backend    Backend
	monitor    *NetworkMonitor
	manager    *SyncManager
	essentials *EssentialCache
	reporter   *StatusReporter
	feed       *StatusFeed

	closed closedFlag
}

// New creates and starts a client from the given configuration.
func New(config Config) (*Client, error) {
	config.normalize()
	if err := config.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if config.Encryption != nil && config.Storage.Encryptor == nil {
		enc, err := NewEncryptor(*config.Encryption)
		if err != nil {
			return nil, fmt.Errorf("init encryption: %w", err)
		}
		config.Storage.Encryptor = enc
	}

	store, err := NewSQLiteStore(config.Storage)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	queue, err := NewMutationQueue(config.queuePath())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open mutation queue: %w", err)
	}

	backend, err := NewRESTBackend(config.Backend)
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return nil, fmt.Errorf("init backend client: %w", err)
	}

	if config.Network.Probe == nil {
		config.Network.Probe = backend.Health
	}
	monitor := NewNetworkMonitor(config.Network)

	if config.Essentials.Assets == nil && config.Assets != nil {
		origin, err := NewS3AssetOrigin(*config.Assets)
		if err != nil {
			_ = queue.Close()
			_ = store.Close()
			return nil, fmt.Errorf("init asset origin: %w", err)
		}
		config.Essentials.Assets = origin
	}

	manager := NewSyncManager(store, queue, backend, monitor, config.Sync)
	essentials := NewEssentialCache(store, backend, config.Essentials)
	reporter := NewStatusReporter(store, queue, monitor, manager, essentials)
	feed := NewStatusFeed(reporter, config.Feed)

	manager.SetNotify(func() {
		feed.Notify(context.Background())
	})

	c := &Client{
		config:     config,
		store:      store,
		queue:      queue,
		backend:    backend,
		monitor:    monitor,
		manager:    manager,
		essentials: essentials,
		reporter:   reporter,
		feed:       feed,
	}

	monitor.Start()
	manager.Start()

	slog.Info("offline engine started", "path", config.Path)
	return c, nil
}

// SaveProgress records lesson progress. The local record is merged and
// persisted first; the backend sees it either immediately or on the next
// sync cycle.
func (c *Client) SaveProgress(ctx context.Context, update ProgressUpdate) error {
	if c.closed.isSet() {
		return ErrClosed
	}
	if err := ValidateEntityID(update.CourseID); err != nil {
		return err
	}
	if err := ValidateEntityID(update.LessonID); err != nil {
		return err
	}

	record := &ProgressRecord{
		CourseID:        update.CourseID,
		LessonID:        update.LessonID,
		TimeSpent:       update.TimeSpent,
		CurrentPosition: update.CurrentPosition,
		Completed:       update.Completed,
		UpdatedAt:       time.Now(),
	}
	if err := c.mergeLocal(ctx, record); err != nil {
		return err
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode progress update: %w", err)
	}
	return c.dispatch(ctx, &QueuedOperation{
		Kind:     OpProgressUpdate,
		CourseID: update.CourseID,
		TargetID: update.LessonID,
		Payload:  payload,
	})
}

// CompleteModule records a module completion. Completions are never
// coalesced; each one reaches the backend exactly once.
func (c *Client) CompleteModule(ctx context.Context, courseID, moduleID string) error {
	if c.closed.isSet() {
		return ErrClosed
	}
	if err := ValidateEntityID(courseID); err != nil {
		return err
	}
	if err := ValidateEntityID(moduleID); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"course_id":    courseID,
		"module_id":    moduleID,
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode module completion: %w", err)
	}
	return c.dispatch(ctx, &QueuedOperation{
		Kind:     OpModuleComplete,
		CourseID: courseID,
		TargetID: moduleID,
		Payload:  payload,
	})
}

// SubmitQuiz records a quiz attempt. Attempts are never coalesced.
func (c *Client) SubmitQuiz(ctx context.Context, submission QuizSubmission) error {
	if c.closed.isSet() {
		return ErrClosed
	}
	if err := ValidateEntityID(submission.CourseID); err != nil {
		return err
	}
	if err := ValidateEntityID(submission.QuizID); err != nil {
		return err
	}

	record := &ProgressRecord{
		CourseID:   submission.CourseID,
		LessonID:   submission.QuizID,
		QuizScores: map[string]float64{submission.QuizID: submission.Score},
		UpdatedAt:  time.Now(),
	}
	if err := c.mergeLocal(ctx, record); err != nil {
		return err
	}

	payload, err := json.Marshal(submission)
	if err != nil {
		return fmt.Errorf("encode quiz submission: %w", err)
	}
	return c.dispatch(ctx, &QueuedOperation{
		Kind:     OpQuizSubmit,
		CourseID: submission.CourseID,
		TargetID: submission.QuizID,
		Payload:  payload,
	})
}

// mergeLocal folds a new record into the cached progress document using the
// monotonic merge rule and persists it durably.
func (c *Client) mergeLocal(ctx context.Context, record *ProgressRecord) error {
	key := ProgressKey(record.CourseID, record.LessonID)

	var local *ProgressRecord
	doc, err := c.store.Get(ctx, EntityProgress, key)
	switch {
	case err == nil:
		if local, err = decodeProgress(doc); err != nil {
			local = nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return fmt.Errorf("read progress %s: %w", key, err)
	}

	merged := MergeProgress(local, record)
	mergedDoc, err := progressDocument(merged, time.Now())
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", key, err)
	}
	if err := c.store.Put(ctx, mergedDoc); err != nil {
		if errors.Is(err, ErrStorageFull) {
			// Progress is the one thing that must never be lost to a full
			// disk. Make room and try once more.
			if _, evictErr := c.store.EvictLRU(ctx, 1); evictErr == nil {
				err = c.store.Put(ctx, mergedDoc)
			}
		}
		if err != nil {
			return fmt.Errorf("write progress %s: %w", key, err)
		}
	}
	return nil
}

// dispatch sends an operation directly when the path is clear (online, no
// cycle in flight, nothing queued ahead of it) and enqueues it otherwise.
// A transient direct failure falls back to the queue rather than erroring.
func (c *Client) dispatch(ctx context.Context, op *QueuedOperation) error {
	op.ID = uuid.NewString()
	op.CreatedAt = time.Now()

	direct := c.monitor.Online() && !c.manager.InProgress()
	if direct {
		if depth, err := c.queue.Len(ctx); err != nil || depth > 0 {
			// Queued operations must reach the backend first.
			direct = false
		}
	}

	if direct {
		err := c.send(ctx, op)
		switch {
		case err == nil:
			c.feed.Notify(ctx)
			return nil
		case errors.Is(err, ErrBackendRejected):
			return &OpError{OpID: op.ID, Kind: op.Kind, Err: err}
		default:
			slog.Warn("direct send failed, queueing", "op_id", op.ID, "kind", op.Kind, "err", err)
		}
	}

	if _, err := c.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("enqueue %s: %w", op.Kind, err)
	}
	c.feed.Notify(ctx)
	return nil
}

func (c *Client) send(ctx context.Context, op *QueuedOperation) error {
	switch op.Kind {
	case OpProgressUpdate:
		return c.backend.UpdateLessonProgress(ctx, op.ID, op.CourseID, op.TargetID, op.Payload)
	case OpModuleComplete:
		return c.backend.CompleteModule(ctx, op.ID, op.CourseID, op.TargetID, op.Payload)
	case OpQuizSubmit:
		return c.backend.SubmitQuiz(ctx, op.ID, op.CourseID, op.TargetID, op.Payload)
	default:
		return ErrInvalidKind
	}
}

// Progress returns the locally known progress for a lesson, or ErrNotFound.
func (c *Client) Progress(ctx context.Context, courseID, lessonID string) (*ProgressRecord, error) {
	if c.closed.isSet() {
		return nil, ErrClosed
	}
	doc, err := c.store.Get(ctx, EntityProgress, ProgressKey(courseID, lessonID))
	if err != nil {
		return nil, err
	}
	return decodeProgress(doc)
}

// Enrollments returns the learner's enrolled course ids. Offline it falls
// back to the ids of locally cached courses.
func (c *Client) Enrollments(ctx context.Context) ([]string, error) {
	if c.closed.isSet() {
		return nil, ErrClosed
	}
	if c.monitor.Online() {
		ids, err := c.backend.GetEnrollments(ctx)
		if err == nil {
			return ids, nil
		}
		if errors.Is(err, ErrBackendRejected) {
			return nil, err
		}
	}
	var ids []string
	err := c.store.Scan(ctx, EntityCourse, func(doc *CachedDocument) error {
		ids = append(ids, doc.EntityID)
		return nil
	})
	return ids, err
}

// EnsureEssentials downloads and pins the essential set for a course so it
// survives offline.
func (c *Client) EnsureEssentials(ctx context.Context, courseID string) EnsureResult {
	if c.closed.isSet() {
		return EnsureResult{Status: EnsureFailed, Reason: ErrClosed.Error()}
	}
	res := c.essentials.Ensure(ctx, courseID)
	c.feed.Notify(ctx)
	return res
}

// Sync requests a sync cycle. ErrSyncInProgress means the request was
// coalesced into the in-flight cycle's follow-up.
func (c *Client) Sync(ctx context.Context) error {
	if c.closed.isSet() {
		return ErrClosed
	}
	return c.manager.RequestSync(ctx)
}

// Status returns a point-in-time engine snapshot.
func (c *Client) Status(ctx context.Context) Status {
	return c.reporter.Status(ctx)
}

// Feed returns the real-time status feed for websocket or in-process
// subscribers.
func (c *Client) Feed() *StatusFeed {
	return c.feed
}

// Monitor returns the connectivity monitor.
func (c *Client) Monitor() *NetworkMonitor {
	return c.monitor
}

// Close stops background work and closes both databases. Queued operations
// remain on disk for the next start.
func (c *Client) Close() error {
	if !c.closed.set() {
		return ErrClosed
	}

	c.manager.Stop()
	c.monitor.Stop()

	var firstErr error
	if err := c.queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	slog.Info("offline engine stopped")
	return firstErr
}
