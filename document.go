package offcourse

import (
	"encoding/json"
	"time"
)

// EntityType identifies the kind of server entity a cached document holds.
type EntityType string

const (
	// EntityCourse is a course document.
	EntityCourse EntityType = "course"
	// EntityOutline is a course outline document.
	EntityOutline EntityType = "outline"
	// EntityModule is a module document.
	EntityModule EntityType = "module"
	// EntityQuiz is a quiz document.
	EntityQuiz EntityType = "quiz"
	// EntityProgress is a learner progress record.
	EntityProgress EntityType = "progress"
	// EntityAsset is a pinned media asset.
	EntityAsset EntityType = "asset"
)

// CachedDocument is a versioned snapshot of a server entity. It is owned
// exclusively by the document store; a fresher copy from the backend
// overwrites it unconditionally.
type CachedDocument struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	FetchedAt  time.Time       `json:"fetched_at"`
	Version    string          `json:"version,omitempty"`
	Essential  bool            `json:"essential,omitempty"`
}

// Key returns the store key for the document.
func (d *CachedDocument) Key() string {
	return string(d.EntityType) + "/" + d.EntityID
}

// Stale returns true if the document was fetched longer ago than threshold.
func (d *CachedDocument) Stale(threshold time.Duration, now time.Time) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(d.FetchedAt) > threshold
}

// ProgressRecord is the per-(course, lesson) learner state. The locally
// cached value is always the logical maximum of any unacknowledged local
// value and the last known server value; progress never regresses.
type ProgressRecord struct {
	CourseID        string             `json:"course_id"`
	LessonID        string             `json:"lesson_id"`
	TimeSpent       time.Duration      `json:"time_spent"`
	CurrentPosition float64            `json:"current_position"`
	Completed       bool               `json:"completed"`
	QuizScores      map[string]float64 `json:"quiz_scores,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ProgressKey returns the store entity id for a (course, lesson) pair.
func ProgressKey(courseID, lessonID string) string {
	return courseID + "/" + lessonID
}

// MergeProgress merges a server-side record into a local one, taking the
// monotonic maximum of every field. Quiz scores keep the best score per quiz.
func MergeProgress(local, server *ProgressRecord) *ProgressRecord {
	if local == nil {
		return server
	}
	if server == nil {
		return local
	}

	merged := &ProgressRecord{
		CourseID:        local.CourseID,
		LessonID:        local.LessonID,
		TimeSpent:       local.TimeSpent,
		CurrentPosition: local.CurrentPosition,
		Completed:       local.Completed || server.Completed,
		UpdatedAt:       local.UpdatedAt,
	}
	if server.TimeSpent > merged.TimeSpent {
		merged.TimeSpent = server.TimeSpent
	}
	if server.CurrentPosition > merged.CurrentPosition {
		merged.CurrentPosition = server.CurrentPosition
	}
	if server.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = server.UpdatedAt
	}

	if len(local.QuizScores) > 0 || len(server.QuizScores) > 0 {
		merged.QuizScores = make(map[string]float64, len(local.QuizScores)+len(server.QuizScores))
		for quiz, score := range local.QuizScores {
			merged.QuizScores[quiz] = score
		}
		for quiz, score := range server.QuizScores {
			if score > merged.QuizScores[quiz] {
				merged.QuizScores[quiz] = score
			}
		}
	}

	return merged
}

// progressDocument wraps a ProgressRecord as a CachedDocument for storage.
func progressDocument(rec *ProgressRecord, now time.Time) (*CachedDocument, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &CachedDocument{
		EntityType: EntityProgress,
		EntityID:   ProgressKey(rec.CourseID, rec.LessonID),
		Payload:    payload,
		FetchedAt:  now,
	}, nil
}

// decodeProgress unmarshals a progress document payload.
func decodeProgress(doc *CachedDocument) (*ProgressRecord, error) {
	var rec ProgressRecord
	if err := json.Unmarshal(doc.Payload, &rec); err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "decode progress record", doc.Key(), err)
	}
	return &rec, nil
}

// SyncState is the process-wide sync lifecycle snapshot. It is initialized
// at startup from the local store, mutated only by the sync manager, and
// read by the status reporter.
type SyncState struct {
	LastSyncAt time.Time `json:"last_sync_at"`
	InProgress bool      `json:"in_progress"`
	LastError  string    `json:"last_error,omitempty"`
}
