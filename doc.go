// Package offcourse provides an offline-first synchronization core for
// course delivery clients.
//
// A learner keeps consuming cached course content and recording progress,
// module completions, and quiz submissions while disconnected. Mutations made
// offline are queued durably and replayed against the backend, in order and
// exactly once, when connectivity returns. Authoritative server state is then
// merged back into the local cache without ever regressing locally known
// progress.
//
// # Basic Usage
//
// Open a client with default configuration:
//
//	cfg := offcourse.DefaultConfig("offcourse-data")
//	cfg.Backend.BaseURL = "https://api.example.com"
//	client, err := offcourse.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
// Record progress (transparently queued while offline):
//
//	err := client.SaveProgress(ctx, offcourse.ProgressUpdate{
//	    CourseID:        "course-101",
//	    LessonID:        "lesson-3",
//	    CurrentPosition: 0.75,
//	    TimeSpent:       12 * time.Minute,
//	})
//
// Pin the working set for guaranteed offline availability:
//
//	result := client.EnsureEssentials(ctx, "course-101")
//
// Poll the UI-facing status snapshot:
//
//	status := client.Status(ctx)
//
// # Components
//
// Storage:
//   - SQLite-backed document store with synchronous persistence
//   - Snappy payload compression and optional AES-256-GCM encryption at rest
//   - LRU eviction of non-essential documents under storage pressure
//
// Synchronization:
//   - Durable mutation queue with per-lesson coalescing of progress updates
//   - UUID idempotency keys so backend replays are safe
//   - Single-flight sync cycles triggered on reconnect or on demand
//   - Bounded exponential backoff with a circuit breaker on the backend
//
// Connectivity & status:
//   - Debounced network monitor with pluggable reachability probes
//   - Side-effect-free status reporter consumed by UI polling
//   - Optional WebSocket status feed for push-style UI updates
//   - Essential-set pinning with S3-compatible asset origins
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := offcourse.Config{
//	    Path: "offcourse-data",
//	    Backend: offcourse.BackendConfig{
//	        BaseURL: "https://api.example.com",
//	    },
//	    Sync: offcourse.SyncManagerConfig{
//	        BatchSize: 50,
//	        Staleness: 15 * time.Minute,
//	    },
//	}
//
// Or use [DefaultConfig] for sensible defaults, or [LoadConfigFile] to read a
// YAML configuration file.
package offcourse
