package offcourse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite document store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag. Defaults to FULL so that a
	// crash immediately after a successful Put never loses the write.
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int

	// Compression enables snappy compression of payloads at rest
	Compression bool

	// Encryptor optionally encrypts payloads at rest (applied after
	// compression). Nil disables encryption.
	Encryptor *Encryptor
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "FULL",
		BusyTimeout:    5000,
		MaxConnections: 4,
		Compression:    true,
	}
}

// SQLiteStore implements DocumentStore using SQLite. Every Put is committed
// before returning; the documents survive process restarts and crashes.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	closed closedFlag

	// Prepared statements for common operations
	selectStmt *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
	touchStmt  *sql.Stmt
	pinStmt    *sql.Stmt
}

// NewSQLiteStore opens or creates a SQLite-backed document store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "offcourse.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "FULL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Cached server entity snapshots
		CREATE TABLE IF NOT EXISTS documents (
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			payload     BLOB NOT NULL,
			fetched_at  INTEGER NOT NULL,
			version     TEXT,
			essential   INTEGER NOT NULL DEFAULT 0,
			last_access INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);

		-- Process-wide sync lifecycle state (single row)
		CREATE TABLE IF NOT EXISTS sync_state (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			last_sync_at INTEGER NOT NULL,
			last_error   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_documents_access ON documents(essential, last_access);
		CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(entity_type);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.selectStmt, err = s.db.Prepare(`
		SELECT payload, fetched_at, version, essential FROM documents
		WHERE entity_type = ? AND entity_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select statement: %w", err)
	}

	s.upsertStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO documents (entity_type, entity_id, payload, fetched_at, version, essential, last_access)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM documents WHERE entity_type = ? AND entity_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.touchStmt, err = s.db.Prepare(`UPDATE documents SET last_access = ? WHERE entity_type = ? AND entity_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare touch statement: %w", err)
	}

	s.pinStmt, err = s.db.Prepare(`UPDATE documents SET essential = ? WHERE entity_type = ? AND entity_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare pin statement: %w", err)
	}

	return nil
}

// encodePayload applies compression and encryption in storage order.
func (s *SQLiteStore) encodePayload(payload []byte) ([]byte, error) {
	data := payload
	if s.config.Compression {
		data = snappy.Encode(nil, data)
	}
	if s.config.Encryptor != nil {
		var err error
		data, err = s.config.Encryptor.Encrypt(data)
		if err != nil {
			return nil, newStoreError(StoreErrorTypeWrite, "encrypt payload", s.config.Path, err)
		}
	}
	return data, nil
}

// decodePayload reverses encodePayload.
func (s *SQLiteStore) decodePayload(data []byte, key string) ([]byte, error) {
	if s.config.Encryptor != nil {
		var err error
		data, err = s.config.Encryptor.Decrypt(data)
		if err != nil {
			return nil, newStoreError(StoreErrorTypeCorruption, "decrypt payload", key, err)
		}
	}
	if s.config.Compression {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, newStoreError(StoreErrorTypeCorruption, "decompress payload", key, err)
		}
		data = decoded
	}
	return data, nil
}

func (s *SQLiteStore) Get(ctx context.Context, entityType EntityType, id string) (*CachedDocument, error) {
	if s.closed.isSet() {
		return nil, ErrClosed
	}

	var payload []byte
	var fetchedAt int64
	var version sql.NullString
	var essential int
	err := s.selectStmt.QueryRowContext(ctx, string(entityType), id).Scan(&payload, &fetchedAt, &version, &essential)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLiteError("read document", s.config.Path, err)
	}

	decoded, err := s.decodePayload(payload, string(entityType)+"/"+id)
	if err != nil {
		return nil, err
	}

	// Refresh recency for LRU eviction ordering.
	_, _ = s.touchStmt.ExecContext(ctx, time.Now().UnixNano(), string(entityType), id)

	return &CachedDocument{
		EntityType: entityType,
		EntityID:   id,
		Payload:    decoded,
		FetchedAt:  time.Unix(0, fetchedAt),
		Version:    version.String,
		Essential:  essential != 0,
	}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, doc *CachedDocument) error {
	if s.closed.isSet() {
		return ErrClosed
	}

	encoded, err := s.encodePayload(doc.Payload)
	if err != nil {
		return err
	}

	essential := 0
	if doc.Essential {
		essential = 1
	}
	_, err = s.upsertStmt.ExecContext(ctx,
		string(doc.EntityType), doc.EntityID, encoded,
		doc.FetchedAt.UnixNano(), doc.Version, essential, time.Now().UnixNano())
	if err != nil {
		return classifySQLiteError("write document", s.config.Path, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, entityType EntityType, id string) error {
	if s.closed.isSet() {
		return ErrClosed
	}
	if _, err := s.deleteStmt.ExecContext(ctx, string(entityType), id); err != nil {
		return classifySQLiteError("delete document", s.config.Path, err)
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context, entityType EntityType, fn func(*CachedDocument) error) error {
	if s.closed.isSet() {
		return ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, payload, fetched_at, version, essential FROM documents
		WHERE entity_type = ? ORDER BY entity_id
	`, string(entityType))
	if err != nil {
		return classifySQLiteError("scan documents", s.config.Path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var payload []byte
		var fetchedAt int64
		var version sql.NullString
		var essential int
		if err := rows.Scan(&id, &payload, &fetchedAt, &version, &essential); err != nil {
			return classifySQLiteError("scan document row", s.config.Path, err)
		}

		decoded, err := s.decodePayload(payload, string(entityType)+"/"+id)
		if err != nil {
			return err
		}

		doc := &CachedDocument{
			EntityType: entityType,
			EntityID:   id,
			Payload:    decoded,
			FetchedAt:  time.Unix(0, fetchedAt),
			Version:    version.String,
			Essential:  essential != 0,
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Pin(ctx context.Context, entityType EntityType, id string, pinned bool) error {
	if s.closed.isSet() {
		return ErrClosed
	}

	val := 0
	if pinned {
		val = 1
	}
	res, err := s.pinStmt.ExecContext(ctx, val, string(entityType), id)
	if err != nil {
		return classifySQLiteError("pin document", s.config.Path, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) EvictLRU(ctx context.Context, n int) (int, error) {
	if s.closed.isSet() {
		return 0, ErrClosed
	}
	if n <= 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE rowid IN (
			SELECT rowid FROM documents WHERE essential = 0
			ORDER BY last_access ASC LIMIT ?
		)
	`, n)
	if err != nil {
		return 0, classifySQLiteError("evict documents", s.config.Path, err)
	}
	evicted, _ := res.RowsAffected()
	return int(evicted), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if s.closed.isSet() {
		return 0, ErrClosed
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, classifySQLiteError("count documents", s.config.Path, err)
	}
	return count, nil
}

func (s *SQLiteStore) LoadSyncState(ctx context.Context) (SyncState, error) {
	if s.closed.isSet() {
		return SyncState{}, ErrClosed
	}

	var lastSyncAt int64
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_sync_at, last_error FROM sync_state WHERE id = 1`).
		Scan(&lastSyncAt, &lastError)
	if err == sql.ErrNoRows {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, classifySQLiteError("load sync state", s.config.Path, err)
	}

	state := SyncState{LastError: lastError.String}
	if lastSyncAt > 0 {
		state.LastSyncAt = time.Unix(0, lastSyncAt)
	}
	return state, nil
}

func (s *SQLiteStore) SaveSyncState(ctx context.Context, state SyncState) error {
	if s.closed.isSet() {
		return ErrClosed
	}

	var lastSyncAt int64
	if !state.LastSyncAt.IsZero() {
		lastSyncAt = state.LastSyncAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_sync_at, last_error) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_sync_at = excluded.last_sync_at, last_error = excluded.last_error
	`, lastSyncAt, state.LastError)
	if err != nil {
		return classifySQLiteError("save sync state", s.config.Path, err)
	}
	return nil
}

// Vacuum performs database maintenance, reclaiming space after evictions.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if s.closed.isSet() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *SQLiteStore) Close() error {
	if !s.closed.set() {
		return nil
	}

	for _, stmt := range []*sql.Stmt{s.selectStmt, s.upsertStmt, s.deleteStmt, s.touchStmt, s.pinStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// classifySQLiteError maps driver errors onto the store error taxonomy.
// SQLITE_FULL surfaces as ErrStorageFull so callers can evict and retry;
// malformed database errors surface as ErrStorageCorrupt.
func classifySQLiteError(message, path string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "disk is full") || strings.Contains(msg, "database or disk is full"):
		return newStoreError(StoreErrorTypeFull, message, path, err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt"):
		return newStoreError(StoreErrorTypeCorruption, message, path, err)
	default:
		return newStoreError(StoreErrorTypeWrite, message, path, err)
	}
}
