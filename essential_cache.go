package offcourse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EnsureStatus classifies the outcome of an essential-set pinning pass.
type EnsureStatus string

const (
	// EnsureSuccess means the whole essential set is pinned and fresh.
	EnsureSuccess EnsureStatus = "success"
	// EnsurePartial means some documents were pinned but others failed.
	EnsurePartial EnsureStatus = "partial"
	// EnsureFailed means nothing useful could be pinned.
	EnsureFailed EnsureStatus = "failed"
)

// EnsureResult is the outcome of Ensure. It is always returned by value;
// pinning never panics or propagates an error to the caller.
type EnsureResult struct {
	Status  EnsureStatus `json:"status"`
	Reason  string       `json:"reason,omitempty"`
	Pinned  int          `json:"pinned"`
	Missing []string     `json:"missing,omitempty"`
}

// EssentialCacheConfig configures essential-set pinning.
type EssentialCacheConfig struct {
	// Freshness is how recently an essential document must have been
	// fetched to count as offline-ready. Default: 24h.
	Freshness time.Duration

	// Assets optionally supplies an origin for course media assets.
	Assets AssetOrigin
}

// DefaultEssentialCacheConfig returns default essential cache configuration.
func DefaultEssentialCacheConfig() EssentialCacheConfig {
	return EssentialCacheConfig{
		Freshness: 24 * time.Hour,
	}
}

// courseOutline is the subset of the outline payload the cache needs to
// enumerate the essential set.
type courseOutline struct {
	Modules []outlineModule `json:"modules"`
}

type outlineModule struct {
	ID        string   `json:"id"`
	QuizID    string   `json:"quiz_id,omitempty"`
	LessonIDs []string `json:"lesson_ids,omitempty"`
	AssetKeys []string `json:"asset_keys,omitempty"`
}

// essentialKey identifies one member of the pinned working set.
type essentialKey struct {
	entityType EntityType
	id         string
}

// EssentialCache guarantees that the active course's working set (course,
// outline, in-progress module, its quiz, enumerated assets) is present in
// the local store before the learner goes offline, rather than merely
// opportunistically cached after a page view.
type EssentialCache struct {
	store   DocumentStore
	backend Backend
	config  EssentialCacheConfig

	mu           sync.RWMutex
	activeCourse string
	essentials   []essentialKey
	complete     bool
}

// NewEssentialCache creates an essential cache over a store and backend.
func NewEssentialCache(store DocumentStore, backend Backend, config EssentialCacheConfig) *EssentialCache {
	if config.Freshness <= 0 {
		config.Freshness = 24 * time.Hour
	}
	return &EssentialCache{
		store:   store,
		backend: backend,
		config:  config,
	}
}

// CacheStatus is the UI-facing offline-readiness signal.
type CacheStatus struct {
	// HasLocalData is true only if every entity in the essential set for
	// the active course is present and fresher than the freshness threshold.
	HasLocalData bool `json:"has_local_data"`

	// ActiveCourse is the course the essential set was pinned for.
	ActiveCourse string `json:"active_course,omitempty"`
}

// putPinned stores a document as essential. On ErrStorageFull it evicts one
// least-recently-used non-essential document and retries once, per the
// storage pressure contract.
func (ec *EssentialCache) putPinned(ctx context.Context, doc *CachedDocument) error {
	doc.Essential = true
	err := ec.store.Put(ctx, doc)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrStorageFull) {
		return err
	}

	evicted, evictErr := ec.store.EvictLRU(ctx, 1)
	if evictErr != nil || evicted == 0 {
		return err
	}
	slog.Warn("evicted cached document under storage pressure", "key", doc.Key())
	return ec.store.Put(ctx, doc)
}

// Ensure fetches and pins the essential set for courseID. It requires
// connectivity for anything not already cached; failures degrade the result
// rather than surfacing as errors.
func (ec *EssentialCache) Ensure(ctx context.Context, courseID string) EnsureResult {
	if err := ValidateEntityID(courseID); err != nil {
		return EnsureResult{Status: EnsureFailed, Reason: "invalid course id"}
	}

	var keys []essentialKey
	var missing []string
	pinned := 0

	pin := func(doc *CachedDocument, fetchErr error, label string) {
		if fetchErr != nil {
			missing = append(missing, label+": "+fetchErr.Error())
			return
		}
		if err := ec.putPinned(ctx, doc); err != nil {
			missing = append(missing, label+": "+err.Error())
			return
		}
		keys = append(keys, essentialKey{doc.EntityType, doc.EntityID})
		pinned++
	}

	// Course and outline anchor the set; without them nothing else can be
	// enumerated.
	courseDoc, err := ec.backend.FetchCourse(ctx, courseID)
	pin(courseDoc, err, "course "+courseID)

	outlineDoc, err := ec.backend.FetchOutline(ctx, courseID)
	pin(outlineDoc, err, "outline "+courseID)

	var outline courseOutline
	if outlineDoc != nil && err == nil {
		if jsonErr := json.Unmarshal(outlineDoc.Payload, &outline); jsonErr != nil {
			missing = append(missing, "outline parse: "+jsonErr.Error())
		}
	}

	if module := ec.pickInProgressModule(ctx, courseID, outline); module != nil {
		moduleDoc, err := ec.backend.FetchModule(ctx, module.ID)
		pin(moduleDoc, err, "module "+module.ID)

		if module.QuizID != "" {
			quizDoc, err := ec.backend.FetchQuiz(ctx, module.QuizID)
			pin(quizDoc, err, "quiz "+module.QuizID)
		}

		if ec.config.Assets != nil {
			for _, assetKey := range module.AssetKeys {
				data, err := ec.config.Assets.Fetch(ctx, assetKey)
				if err != nil {
					missing = append(missing, "asset "+assetKey+": "+err.Error())
					continue
				}
				pin(&CachedDocument{
					EntityType: EntityAsset,
					EntityID:   assetKey,
					Payload:    data,
					FetchedAt:  time.Now(),
				}, nil, "asset "+assetKey)
			}
		}
	}

	ec.mu.Lock()
	ec.activeCourse = courseID
	ec.essentials = keys
	ec.complete = pinned > 0 && len(missing) == 0
	ec.mu.Unlock()

	switch {
	case pinned > 0 && len(missing) == 0:
		return EnsureResult{Status: EnsureSuccess, Pinned: pinned}
	case pinned > 0:
		return EnsureResult{
			Status:  EnsurePartial,
			Pinned:  pinned,
			Missing: missing,
			Reason:  fmt.Sprintf("pinned %d of %d essential documents", pinned, pinned+len(missing)),
		}
	default:
		reason := "could not pin any essential documents"
		if len(missing) > 0 {
			reason += ": " + strings.Join(missing, "; ")
		}
		return EnsureResult{Status: EnsureFailed, Missing: missing, Reason: reason}
	}
}

// pickInProgressModule chooses the module the learner is currently working
// through: the first outline module with an incomplete lesson, else the
// first module.
func (ec *EssentialCache) pickInProgressModule(ctx context.Context, courseID string, outline courseOutline) *outlineModule {
	if len(outline.Modules) == 0 {
		return nil
	}

	completed := make(map[string]bool)
	_ = ec.store.Scan(ctx, EntityProgress, func(doc *CachedDocument) error {
		rec, err := decodeProgress(doc)
		if err != nil || rec.CourseID != courseID {
			return nil
		}
		if rec.Completed {
			completed[rec.LessonID] = true
		}
		return nil
	})

	for i := range outline.Modules {
		m := &outline.Modules[i]
		if len(m.LessonIDs) == 0 {
			continue
		}
		for _, lessonID := range m.LessonIDs {
			if !completed[lessonID] {
				return m
			}
		}
	}
	return &outline.Modules[0]
}

// Status reports offline readiness without side effects beyond LRU recency.
func (ec *EssentialCache) Status(ctx context.Context) CacheStatus {
	ec.mu.RLock()
	course := ec.activeCourse
	complete := ec.complete
	keys := make([]essentialKey, len(ec.essentials))
	copy(keys, ec.essentials)
	ec.mu.RUnlock()

	if course == "" || len(keys) == 0 {
		return CacheStatus{}
	}
	// A partially pinned set is not offline-ready.
	if !complete {
		return CacheStatus{ActiveCourse: course}
	}

	now := time.Now()
	for _, key := range keys {
		doc, err := ec.store.Get(ctx, key.entityType, key.id)
		if err != nil || doc.Stale(ec.config.Freshness, now) {
			return CacheStatus{ActiveCourse: course}
		}
	}
	return CacheStatus{HasLocalData: true, ActiveCourse: course}
}

// ActiveCourse returns the course the essential set is pinned for.
func (ec *EssentialCache) ActiveCourse() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.activeCourse
}
