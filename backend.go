package offcourse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Backend is the REST collaborator the sync core replays mutations against.
// Every mutating call carries a client-supplied idempotency key (the queued
// operation's UUID); the backend deduplicates on it, so retries after a crash
// between send and ack are safe.
type Backend interface {
	// Health reports whether the backend is reachable. Used as the default
	// connectivity probe.
	Health(ctx context.Context) bool

	// UpdateLessonProgress replays a lesson progress update.
	UpdateLessonProgress(ctx context.Context, opID, courseID, lessonID string, payload json.RawMessage) error

	// CompleteModule replays a module completion.
	CompleteModule(ctx context.Context, opID, courseID, moduleID string, payload json.RawMessage) error

	// SubmitQuiz replays a quiz submission.
	SubmitQuiz(ctx context.Context, opID, courseID, quizID string, payload json.RawMessage) error

	// GetCourseProgress fetches the authoritative progress records for a
	// course.
	GetCourseProgress(ctx context.Context, courseID string) ([]*ProgressRecord, error)

	// GetEnrollments returns the ids of the learner's enrolled courses.
	GetEnrollments(ctx context.Context) ([]string, error)

	// FetchCourse fetches a course document.
	FetchCourse(ctx context.Context, courseID string) (*CachedDocument, error)

	// FetchOutline fetches a course outline document.
	FetchOutline(ctx context.Context, courseID string) (*CachedDocument, error)

	// FetchModule fetches a module document.
	FetchModule(ctx context.Context, moduleID string) (*CachedDocument, error)

	// FetchQuiz fetches a quiz document.
	FetchQuiz(ctx context.Context, quizID string) (*CachedDocument, error)
}

// BackendAuth contains authentication credentials for the REST backend.
type BackendAuth struct {
	// Type specifies the auth type: "api_key", "bearer", "basic".
	Type string `yaml:"type" json:"type"`

	// APIKey is the API key (for api_key auth).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// BearerToken is the bearer token (for bearer auth).
	BearerToken string `yaml:"bearer_token,omitempty" json:"bearer_token,omitempty"`

	// Username is the username (for basic auth).
	Username string `yaml:"username,omitempty" json:"username,omitempty"`

	// Password is the password (for basic auth).
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// BackendConfig configures the REST backend client.
type BackendConfig struct {
	// BaseURL is the backend API root, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Timeout for each HTTP request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Auth contains authentication credentials.
	Auth *BackendAuth `yaml:"auth,omitempty" json:"auth,omitempty"`

	// CompressRequests enables gzip compression of mutation payloads.
	CompressRequests bool `yaml:"compress_requests" json:"compress_requests"`

	// HealthPath is the reachability probe endpoint (default: /health).
	HealthPath string `yaml:"health_path" json:"health_path"`

	// HTTPClient for custom HTTP transport (tests inject a stub here).
	HTTPClient HTTPDoer `yaml:"-" json:"-"`
}

// RESTBackend implements Backend over HTTP.
type RESTBackend struct {
	config BackendConfig
	client HTTPDoer
}

// NewRESTBackend creates a REST backend client.
func NewRESTBackend(config BackendConfig) (*RESTBackend, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HealthPath == "" {
		config.HealthPath = "/health"
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &RESTBackend{config: config, client: client}, nil
}

func (b *RESTBackend) applyAuth(req *http.Request) {
	auth := b.config.Auth
	if auth == nil {
		return
	}
	switch auth.Type {
	case "api_key":
		req.Header.Set("X-API-Key", auth.APIKey)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.BearerToken)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}

// post issues a mutating call with the operation's idempotency key attached.
func (b *RESTBackend) post(ctx context.Context, path, opID string, payload json.RawMessage) error {
	body := []byte(payload)
	if body == nil {
		body = []byte("{}")
	}

	var reader io.Reader = bytes.NewReader(body)
	encoding := ""
	if b.config.CompressRequests {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			return fmt.Errorf("compress request: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("compress request: %w", err)
		}
		reader = &buf
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if opID != "" {
		req.Header.Set("Idempotency-Key", opID)
	}
	b.applyAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return &BackendError{Endpoint: path, Cause: err, Message: "request failed"}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &BackendError{StatusCode: resp.StatusCode, Endpoint: path, Message: string(msg)}
}

// get issues a read call and decodes the JSON response into out.
func (b *RESTBackend) get(ctx context.Context, path string, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.BaseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	b.applyAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", &BackendError{Endpoint: path, Cause: err, Message: "request failed"}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &BackendError{StatusCode: resp.StatusCode, Endpoint: path, Message: string(msg)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", &BackendError{Endpoint: path, Cause: err, Message: "decode response"}
	}
	return resp.Header.Get("ETag"), nil
}

// fetchDocument fetches a raw entity document and wraps it as a
// CachedDocument stamped with the response ETag.
func (b *RESTBackend) fetchDocument(ctx context.Context, path string, entityType EntityType, id string) (*CachedDocument, error) {
	var payload json.RawMessage
	etag, err := b.get(ctx, path, &payload)
	if err != nil {
		return nil, err
	}
	return &CachedDocument{
		EntityType: entityType,
		EntityID:   id,
		Payload:    payload,
		FetchedAt:  time.Now(),
		Version:    etag,
	}, nil
}

func (b *RESTBackend) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.config.BaseURL+b.config.HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 500
}

func (b *RESTBackend) UpdateLessonProgress(ctx context.Context, opID, courseID, lessonID string, payload json.RawMessage) error {
	path := fmt.Sprintf("/courses/%s/lessons/%s/progress", url.PathEscape(courseID), url.PathEscape(lessonID))
	return b.post(ctx, path, opID, payload)
}

func (b *RESTBackend) CompleteModule(ctx context.Context, opID, courseID, moduleID string, payload json.RawMessage) error {
	path := fmt.Sprintf("/courses/%s/modules/%s/complete", url.PathEscape(courseID), url.PathEscape(moduleID))
	return b.post(ctx, path, opID, payload)
}

func (b *RESTBackend) SubmitQuiz(ctx context.Context, opID, courseID, quizID string, payload json.RawMessage) error {
	path := fmt.Sprintf("/courses/%s/quizzes/%s/submit", url.PathEscape(courseID), url.PathEscape(quizID))
	return b.post(ctx, path, opID, payload)
}

func (b *RESTBackend) GetCourseProgress(ctx context.Context, courseID string) ([]*ProgressRecord, error) {
	var records []*ProgressRecord
	path := fmt.Sprintf("/courses/%s/progress", url.PathEscape(courseID))
	if _, err := b.get(ctx, path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *RESTBackend) GetEnrollments(ctx context.Context) ([]string, error) {
	var enrollments []struct {
		CourseID string `json:"course_id"`
	}
	if _, err := b.get(ctx, "/enrollments", &enrollments); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(enrollments))
	for _, e := range enrollments {
		ids = append(ids, e.CourseID)
	}
	return ids, nil
}

func (b *RESTBackend) FetchCourse(ctx context.Context, courseID string) (*CachedDocument, error) {
	return b.fetchDocument(ctx, "/courses/"+url.PathEscape(courseID), EntityCourse, courseID)
}

func (b *RESTBackend) FetchOutline(ctx context.Context, courseID string) (*CachedDocument, error) {
	return b.fetchDocument(ctx, "/courses/"+url.PathEscape(courseID)+"/outline", EntityOutline, courseID)
}

func (b *RESTBackend) FetchModule(ctx context.Context, moduleID string) (*CachedDocument, error) {
	return b.fetchDocument(ctx, "/modules/"+url.PathEscape(moduleID), EntityModule, moduleID)
}

func (b *RESTBackend) FetchQuiz(ctx context.Context, quizID string) (*CachedDocument, error) {
	return b.fetchDocument(ctx, "/quizzes/"+url.PathEscape(quizID), EntityQuiz, quizID)
}
