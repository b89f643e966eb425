package offcourse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeAssetOrigin serves assets from a map.
type fakeAssetOrigin struct {
	assets map[string][]byte
}

func (f *fakeAssetOrigin) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.assets[key]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", key, ErrNotFound)
	}
	return data, nil
}

func (f *fakeAssetOrigin) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.assets[key]
	return ok, nil
}

func (f *fakeAssetOrigin) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range f.assets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

var _ AssetOrigin = (*fakeAssetOrigin)(nil)

func outlinePayload(t *testing.T, modules []outlineModule) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(courseOutline{Modules: modules})
	if err != nil {
		t.Fatalf("marshal outline: %v", err)
	}
	return data
}

func seedCourseBackend(t *testing.T, backend *fakeBackend) {
	t.Helper()
	backend.docs["course/c1"] = testDoc(EntityCourse, "c1", `{"title":"Go"}`)
	backend.docs["outline/c1"] = &CachedDocument{
		EntityType: EntityOutline,
		EntityID:   "c1",
		Payload: outlinePayload(t, []outlineModule{
			{ID: "m1", QuizID: "q1", LessonIDs: []string{"l1", "l2"}, AssetKeys: []string{"video1.mp4"}},
			{ID: "m2", QuizID: "q2", LessonIDs: []string{"l3"}},
		}),
		FetchedAt: time.Now(),
	}
	backend.docs["module/m1"] = testDoc(EntityModule, "m1", `{"title":"Basics"}`)
	backend.docs["module/m2"] = testDoc(EntityModule, "m2", `{"title":"Concurrency"}`)
	backend.docs["quiz/q1"] = testDoc(EntityQuiz, "q1", `{"questions":[]}`)
	backend.docs["quiz/q2"] = testDoc(EntityQuiz, "q2", `{"questions":[]}`)
}

func TestEssentialCacheEnsureSuccess(t *testing.T) {
	backend := newFakeBackend()
	seedCourseBackend(t, backend)
	store := NewMemoryStore()
	defer store.Close()

	cache := NewEssentialCache(store, backend, EssentialCacheConfig{
		Assets: &fakeAssetOrigin{assets: map[string][]byte{"video1.mp4": []byte("mp4")}},
	})
	ctx := context.Background()

	res := cache.Ensure(ctx, "c1")
	if res.Status != EnsureSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Reason)
	}
	// course, outline, module m1, quiz q1, asset
	if res.Pinned != 5 {
		t.Errorf("expected 5 pinned documents, got %d", res.Pinned)
	}

	for _, key := range [][2]string{
		{"course", "c1"}, {"outline", "c1"}, {"module", "m1"}, {"quiz", "q1"}, {"asset", "video1.mp4"},
	} {
		doc, err := store.Get(ctx, EntityType(key[0]), key[1])
		if err != nil {
			t.Errorf("missing essential %s/%s: %v", key[0], key[1], err)
			continue
		}
		if !doc.Essential {
			t.Errorf("%s/%s not pinned", key[0], key[1])
		}
	}

	status := cache.Status(ctx)
	if !status.HasLocalData || status.ActiveCourse != "c1" {
		t.Errorf("expected offline-ready status, got %+v", status)
	}
}

func TestEssentialCachePartialWhenQuizMissing(t *testing.T) {
	backend := newFakeBackend()
	seedCourseBackend(t, backend)
	delete(backend.docs, "quiz/q1")
	store := NewMemoryStore()
	defer store.Close()

	cache := NewEssentialCache(store, backend, EssentialCacheConfig{})
	res := cache.Ensure(context.Background(), "c1")

	if res.Status != EnsurePartial {
		t.Fatalf("expected partial, got %s", res.Status)
	}
	if len(res.Missing) != 1 || !strings.Contains(res.Missing[0], "quiz q1") {
		t.Errorf("expected quiz listed as missing, got %v", res.Missing)
	}

	// Partial pinning is not offline-ready.
	if cache.Status(context.Background()).HasLocalData {
		t.Error("partial essential set must not report offline-ready")
	}
}

func TestEssentialCacheFailsOffline(t *testing.T) {
	backend := newFakeBackend()
	backend.setUnreachable(true)
	store := NewMemoryStore()
	defer store.Close()

	cache := NewEssentialCache(store, backend, EssentialCacheConfig{})
	res := cache.Ensure(context.Background(), "c1")
	if res.Status != EnsureFailed {
		t.Errorf("expected failure with unreachable backend, got %s", res.Status)
	}
}

func TestEssentialCacheEvictsUnderStoragePressure(t *testing.T) {
	backend := newFakeBackend()
	backend.docs["course/c1"] = testDoc(EntityCourse, "c1", `{"title":"Go"}`)
	backend.docs["outline/c1"] = &CachedDocument{
		EntityType: EntityOutline,
		EntityID:   "c1",
		Payload:    outlinePayload(t, nil),
		FetchedAt:  time.Now(),
	}

	store := NewMemoryStore()
	store.MaxDocuments = 2
	defer store.Close()
	ctx := context.Background()

	// Fill to capacity with evictable documents.
	if err := store.Put(ctx, testDoc(EntityModule, "stale1", `{}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Put(ctx, testDoc(EntityModule, "stale2", `{}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cache := NewEssentialCache(store, backend, EssentialCacheConfig{})
	res := cache.Ensure(ctx, "c1")
	if res.Status != EnsureSuccess {
		t.Fatalf("expected eviction to make room, got %s (%s)", res.Status, res.Reason)
	}

	if _, err := store.Get(ctx, EntityCourse, "c1"); err != nil {
		t.Errorf("course not pinned after eviction: %v", err)
	}
	if _, err := store.Get(ctx, EntityOutline, "c1"); err != nil {
		t.Errorf("outline not pinned after eviction: %v", err)
	}
	if n, _ := store.Count(ctx); n != 2 {
		t.Errorf("expected both seeds evicted, count %d", n)
	}
}

func TestEssentialCachePicksInProgressModule(t *testing.T) {
	backend := newFakeBackend()
	seedCourseBackend(t, backend)
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	// m1's lessons are done; the learner is working through m2.
	for _, lessonID := range []string{"l1", "l2"} {
		doc, err := progressDocument(&ProgressRecord{CourseID: "c1", LessonID: lessonID, Completed: true}, time.Now())
		if err != nil {
			t.Fatalf("progressDocument: %v", err)
		}
		if err := store.Put(ctx, doc); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	cache := NewEssentialCache(store, backend, EssentialCacheConfig{})
	res := cache.Ensure(ctx, "c1")
	if res.Status != EnsureSuccess {
		t.Fatalf("ensure: %s (%s)", res.Status, res.Reason)
	}

	if _, err := store.Get(ctx, EntityModule, "m2"); err != nil {
		t.Errorf("expected in-progress module m2 pinned: %v", err)
	}
	if _, err := store.Get(ctx, EntityModule, "m1"); err == nil {
		t.Error("completed module m1 should not be part of the essential set")
	}
}

func TestEssentialCacheStatusGoesStale(t *testing.T) {
	backend := newFakeBackend()
	backend.docs["course/c1"] = testDoc(EntityCourse, "c1", `{}`)
	backend.docs["outline/c1"] = &CachedDocument{
		EntityType: EntityOutline, EntityID: "c1",
		Payload: outlinePayload(t, nil), FetchedAt: time.Now(),
	}
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	cache := NewEssentialCache(store, backend, EssentialCacheConfig{Freshness: 24 * time.Hour})
	if res := cache.Ensure(ctx, "c1"); res.Status != EnsureSuccess {
		t.Fatalf("ensure: %s", res.Status)
	}
	if !cache.Status(ctx).HasLocalData {
		t.Fatal("expected fresh essential set")
	}

	// Age the course document past the freshness threshold.
	old := testDoc(EntityCourse, "c1", `{}`)
	old.FetchedAt = time.Now().Add(-25 * time.Hour)
	old.Essential = true
	if err := store.Put(ctx, old); err != nil {
		t.Fatalf("put: %v", err)
	}

	if cache.Status(ctx).HasLocalData {
		t.Error("stale essential set must not report offline-ready")
	}
}
