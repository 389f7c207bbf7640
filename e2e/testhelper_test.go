package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/handler"
	"github.com/coverlab/api/internal/middleware"
	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/pipeline"
	"github.com/coverlab/api/internal/realtime"
	"github.com/coverlab/api/internal/server"
	"github.com/coverlab/api/internal/service"
	"github.com/coverlab/api/internal/store"
	ws "github.com/coverlab/api/internal/websocket"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testWebhookSecret = "hook-secret"
	testYouTubeURL    = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
)

// submission is one prediction the pipeline asked the provider for
type submission struct {
	ID       string
	Kind     pipeline.ModelKind
	Input    map[string]interface{}
	Callback string
}

// fakeProvider stands in for the inference provider
type fakeProvider struct {
	mu          sync.Mutex
	n           int
	submissions []submission
	canceled    []string
}

func (p *fakeProvider) Submit(_ context.Context, kind pipeline.ModelKind, input map[string]interface{}, callbackURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	id := fmt.Sprintf("pred-%d", p.n)
	p.submissions = append(p.submissions, submission{ID: id, Kind: kind, Input: input, Callback: callbackURL})
	return id, nil
}

func (p *fakeProvider) Cancel(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	return nil
}

// find returns the submission for kind whose input matches pred, if any.
func (p *fakeProvider) find(kind pipeline.ModelKind, pred func(map[string]interface{}) bool) (submission, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.submissions {
		if s.Kind == kind && (pred == nil || pred(s.Input)) {
			return s, true
		}
	}
	return submission{}, false
}

// memStorage is object storage backed by a map
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}}
}

func (s *memStorage) Put(_ context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = data
	return "https://cdn.test/" + name, nil
}

func (s *memStorage) Upload(ctx context.Context, key string, body io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return s.Put(ctx, key, data)
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

type fakeResolver struct{}

func (fakeResolver) Fetch(context.Context, model.SourceKind, string, string) ([]byte, error) {
	return []byte("ID3 source audio"), nil
}

type fakeStitcher struct{}

func (fakeStitcher) Stitch(context.Context, string, string, string) ([]byte, error) {
	return []byte("final video"), nil
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	provider *fakeProvider
	storage  *memStorage
	store    *store.Store
	hub      *ws.Hub
}

// setupApp builds the same router as the server over sqlite, in-process
// dispatch and fake external services.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	db, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "e2e.db")})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	st := store.New(db)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := realtime.NewMemoryBus()
	hub := ws.NewHub(nil)
	go hub.Run(ctx)
	if err := bus.StartForwarder(ctx, hub.Dispatch); err != nil {
		t.Fatalf("failed to start forwarder: %v", err)
	}

	provider := &fakeProvider{}
	storage := newMemStorage()

	orchestrator := pipeline.NewOrchestrator(st,
		pipeline.WithNotifier(bus),
		pipeline.WithCanceler(provider),
	)
	pipeline.RegisterStages(orchestrator, pipeline.StageDeps{
		Gateway:     provider,
		Storage:     storage,
		Resolver:    fakeResolver{},
		Stitcher:    fakeStitcher{},
		Artifacts:   st,
		CallbackURL: "http://api.test/webhooks/replicate?secret=" + testWebhookSecret,
	})

	// Start runs inside the request so every assertion sees its effects.
	coverService := service.NewCoverService(st, orchestrator, nil)
	uploadService := service.NewUploadService(storage)

	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)

	app := server.New(server.Routes{
		Covers:   handler.NewCoverHandler(coverService),
		Uploads:  handler.NewUploadHandler(uploadService),
		Webhooks: handler.NewWebhookHandler(orchestrator, testWebhookSecret, nil),
		Stream:   handler.NewStreamHandler(coverService, hub, nil),
		Auth:     handler.NewAuthHandler(authMiddleware.Authenticator()),
		APIAuth:  authMiddleware.Authenticate(),
		Limiter:  middleware.NewRateLimiter(nil, nil),
		Limits:   config.RateLimitConfig{CoversPerHour: 10000, UploadsPerHour: 10000},
		DB:       db,
		Services: map[string]bool{"replicate": true, "r2": true},
	})

	return &testApp{app: app, provider: provider, storage: storage, store: st, hub: hub}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := middleware.NewAuthMiddleware(nil, testJWTSecret).Authenticator().IssueToken("test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// createCover starts a job from the test YouTube link and returns its id.
func createCover(t *testing.T, ta *testApp) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/covers",
		fmt.Sprintf(`{"sourceUrl":%q,"character":"squidward"}`, testYouTubeURL))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	body := parseJSON(t, resp)
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected jobId in response, got %v", body)
	}
	return jobID
}

// sendWebhook posts a provider callback with the right secret.
func sendWebhook(t *testing.T, ta *testApp, payload string) *http.Response {
	t.Helper()
	resp, err := doRequest(ta.app, http.MethodPost, "/webhooks/replicate?secret="+testWebhookSecret, payload, nil)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	return resp
}

// succeed reports a successful prediction with a single output URL.
func succeed(t *testing.T, ta *testApp, predictionID, output string) {
	t.Helper()
	resp := sendWebhook(t, ta, fmt.Sprintf(`{"id":%q,"status":"succeeded","output":%q,"metrics":{"predict_time":1.5}}`, predictionID, output))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook for %s: expected 200, got %d: %s", predictionID, resp.StatusCode, readBody(t, resp))
	}
	resp.Body.Close()
}

// mustFind returns the prediction submitted for kind.
func mustFind(t *testing.T, ta *testApp, kind pipeline.ModelKind, pred func(map[string]interface{}) bool) submission {
	t.Helper()
	s, ok := ta.provider.find(kind, pred)
	if !ok {
		t.Fatalf("no %s prediction submitted", kind)
	}
	return s
}

func isolated(input map[string]interface{}) bool {
	v, _ := input["instrumental_volume_change"].(int)
	return v < 0
}

func fullMix(input map[string]interface{}) bool {
	return !isolated(input)
}
