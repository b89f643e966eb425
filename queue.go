package offcourse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// OpKind identifies the kind of queued mutation.
type OpKind string

const (
	// OpProgressUpdate is a lesson progress update. Coalesced per lesson:
	// only the most recent update per (course, lesson) is retained.
	OpProgressUpdate OpKind = "progress_update"
	// OpModuleComplete is a module completion. Never coalesced; each carries
	// distinct semantic weight (certificate trigger).
	OpModuleComplete OpKind = "module_complete"
	// OpQuizSubmit is a quiz submission. Never coalesced.
	OpQuizSubmit OpKind = "quiz_submit"
)

func (k OpKind) valid() bool {
	switch k {
	case OpProgressUpdate, OpModuleComplete, OpQuizSubmit:
		return true
	}
	return false
}

// QueuedOperation is a pending write produced while offline or while a sync
// was in flight. ID is a UUID generated at enqueue time and sent to the
// backend as the idempotency key, so replays after a crash between send and
// ack cannot double-apply.
type QueuedOperation struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Kind      OpKind          `json:"kind"`
	CourseID  string          `json:"course_id"`
	TargetID  string          `json:"target_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
}

// MutationQueue is an ordered, durable log of pending writes. Operations are
// replayed strictly in enqueue order; progress updates for the same lesson
// are coalesced at enqueue time.
type MutationQueue struct {
	db     *sql.DB
	path   string
	closed closedFlag
}

// NewMutationQueue opens or creates a durable mutation queue at path.
func NewMutationQueue(path string) (*MutationQueue, error) {
	if path == "" {
		path = "offcourse-queue.db"
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id      TEXT NOT NULL,
			kind       TEXT NOT NULL,
			course_id  TEXT NOT NULL,
			target_id  TEXT NOT NULL,
			payload    BLOB,
			created_at INTEGER NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_operations_lesson ON operations(kind, course_id, target_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}

	return &MutationQueue{db: db, path: path}, nil
}

// Enqueue appends an operation durably and assigns its sequence id. For
// progress updates, any older queued update for the same (course, lesson) is
// pruned in the same transaction so only the latest value is replayed.
// Returns the assigned sequence id.
func (q *MutationQueue) Enqueue(ctx context.Context, op *QueuedOperation) (int64, error) {
	if q.closed.isSet() {
		return 0, ErrClosed
	}
	if !op.Kind.valid() {
		return 0, ErrInvalidKind
	}
	if err := ValidateEntityID(op.CourseID); err != nil {
		return 0, err
	}
	if err := ValidateEntityID(op.TargetID); err != nil {
		return 0, err
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifySQLiteError("begin enqueue", q.path, err)
	}
	defer tx.Rollback()

	if op.Kind == OpProgressUpdate {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM operations WHERE kind = ? AND course_id = ? AND target_id = ?
		`, string(OpProgressUpdate), op.CourseID, op.TargetID)
		if err != nil {
			return 0, classifySQLiteError("coalesce progress updates", q.path, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations (op_id, kind, course_id, target_id, payload, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Kind), op.CourseID, op.TargetID, []byte(op.Payload), op.CreatedAt.UnixNano(), op.Attempts)
	if err != nil {
		return 0, classifySQLiteError("enqueue operation", q.path, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, classifySQLiteError("enqueue operation", q.path, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classifySQLiteError("commit enqueue", q.path, err)
	}

	op.Seq = seq
	return seq, nil
}

// PeekBatch returns the oldest n operations without removing them.
func (q *MutationQueue) PeekBatch(ctx context.Context, n int) ([]*QueuedOperation, error) {
	if q.closed.isSet() {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, op_id, kind, course_id, target_id, payload, created_at, attempts
		FROM operations ORDER BY seq ASC LIMIT ?
	`, n)
	if err != nil {
		return nil, classifySQLiteError("peek operations", q.path, err)
	}
	defer rows.Close()

	var ops []*QueuedOperation
	for rows.Next() {
		var op QueuedOperation
		var kind string
		var payload []byte
		var createdAt int64
		if err := rows.Scan(&op.Seq, &op.ID, &kind, &op.CourseID, &op.TargetID, &payload, &createdAt, &op.Attempts); err != nil {
			return nil, classifySQLiteError("scan operation", q.path, err)
		}
		op.Kind = OpKind(kind)
		op.Payload = payload
		op.CreatedAt = time.Unix(0, createdAt)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// Ack removes an operation after the backend acknowledged it.
func (q *MutationQueue) Ack(ctx context.Context, seq int64) error {
	if q.closed.isSet() {
		return ErrClosed
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM operations WHERE seq = ?`, seq)
	if err != nil {
		return classifySQLiteError("ack operation", q.path, err)
	}
	return nil
}

// Requeue increments the attempt counter and leaves the operation in place
// for a later retry.
func (q *MutationQueue) Requeue(ctx context.Context, seq int64) error {
	if q.closed.isSet() {
		return ErrClosed
	}
	_, err := q.db.ExecContext(ctx, `UPDATE operations SET attempts = attempts + 1 WHERE seq = ?`, seq)
	if err != nil {
		return classifySQLiteError("requeue operation", q.path, err)
	}
	return nil
}

// Drop removes an operation that the backend rejected. The caller is
// responsible for surfacing the rejection.
func (q *MutationQueue) Drop(ctx context.Context, seq int64) error {
	return q.Ack(ctx, seq)
}

// Len returns the number of pending operations.
func (q *MutationQueue) Len(ctx context.Context) (int, error) {
	if q.closed.isSet() {
		return 0, ErrClosed
	}
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&count); err != nil {
		return 0, classifySQLiteError("count operations", q.path, err)
	}
	return count, nil
}

// Close releases the queue database.
func (q *MutationQueue) Close() error {
	if !q.closed.set() {
		return nil
	}
	return q.db.Close()
}
