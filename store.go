package offcourse

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DocumentStore is the persistence contract for cached documents and sync
// state. Implementations must persist every Put durably before returning, so
// a crash immediately after a successful Put never loses the write.
type DocumentStore interface {
	// Get returns the cached document for (entityType, id), or ErrNotFound.
	// A successful Get refreshes the document's recency for LRU accounting.
	Get(ctx context.Context, entityType EntityType, id string) (*CachedDocument, error)

	// Put overwrites unconditionally by (entityType, id) key.
	Put(ctx context.Context, doc *CachedDocument) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, entityType EntityType, id string) error

	// Scan visits every cached document of a type. The iteration is finite
	// and restartable; fn returning an error stops the scan.
	Scan(ctx context.Context, entityType EntityType, fn func(*CachedDocument) error) error

	// Pin marks a document essential (or clears the mark). Essential
	// documents are never evicted.
	Pin(ctx context.Context, entityType EntityType, id string, pinned bool) error

	// EvictLRU removes up to n least-recently-used non-essential documents
	// and reports how many were evicted.
	EvictLRU(ctx context.Context, n int) (int, error)

	// Count returns the number of cached documents.
	Count(ctx context.Context) (int, error)

	// LoadSyncState returns the persisted sync state, or a zero value if
	// none has been saved yet.
	LoadSyncState(ctx context.Context) (SyncState, error)

	// SaveSyncState persists the sync state.
	SaveSyncState(ctx context.Context, state SyncState) error

	// Close releases any resources.
	Close() error
}

// Ensure interfaces are implemented
var (
	_ DocumentStore = (*MemoryStore)(nil)
	_ DocumentStore = (*SQLiteStore)(nil)
)

type memoryEntry struct {
	doc        *CachedDocument
	lastAccess time.Time
}

// MemoryStore implements DocumentStore in memory. Useful for testing and
// ephemeral sessions. MaxDocuments, when positive, caps capacity; a Put of a
// new key beyond the cap fails with ErrStorageFull.
type MemoryStore struct {
	mu           sync.RWMutex
	entries      map[string]*memoryEntry
	syncState    SyncState
	hasSyncState bool
	closed       bool

	// MaxDocuments caps the number of stored documents (0 = unlimited).
	MaxDocuments int
}

// NewMemoryStore creates a new in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, entityType EntityType, id string) (*CachedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	entry, ok := m.entries[string(entityType)+"/"+id]
	if !ok {
		return nil, ErrNotFound
	}
	entry.lastAccess = time.Now()
	doc := *entry.doc
	return &doc, nil
}

func (m *MemoryStore) Put(ctx context.Context, doc *CachedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	key := doc.Key()
	if _, exists := m.entries[key]; !exists && m.MaxDocuments > 0 && len(m.entries) >= m.MaxDocuments {
		return newStoreError(StoreErrorTypeFull, "memory store at capacity", key, nil)
	}

	cp := *doc
	m.entries[key] = &memoryEntry{doc: &cp, lastAccess: time.Now()}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, entityType EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.entries, string(entityType)+"/"+id)
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, entityType EntityType, fn func(*CachedDocument) error) error {
	m.mu.RLock()
	var docs []*CachedDocument
	for _, entry := range m.entries {
		if entry.doc.EntityType == entityType {
			cp := *entry.doc
			docs = append(docs, &cp)
		}
	}
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].EntityID < docs[j].EntityID })
	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Pin(ctx context.Context, entityType EntityType, id string, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	entry, ok := m.entries[string(entityType)+"/"+id]
	if !ok {
		return ErrNotFound
	}
	entry.doc.Essential = pinned
	return nil
}

func (m *MemoryStore) EvictLRU(ctx context.Context, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	type candidate struct {
		key        string
		lastAccess time.Time
	}
	var candidates []candidate
	for key, entry := range m.entries {
		if !entry.doc.Essential {
			candidates = append(candidates, candidate{key, entry.lastAccess})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	evicted := 0
	for _, c := range candidates {
		if evicted >= n {
			break
		}
		delete(m.entries, c.key)
		evicted++
	}
	return evicted, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.entries), nil
}

func (m *MemoryStore) LoadSyncState(ctx context.Context) (SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return SyncState{}, ErrClosed
	}
	if !m.hasSyncState {
		return SyncState{}, nil
	}
	return m.syncState, nil
}

func (m *MemoryStore) SaveSyncState(ctx context.Context, state SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.syncState = state
	m.hasSyncState = true
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
