package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/packwright/packsyncd/internal/config"
	packsync "github.com/packwright/packsyncd/internal/sync"
	"github.com/packwright/packsyncd/internal/trigger"
)

// mockRunner is a mock implementation of Runner.
type mockRunner struct {
	mu     sync.Mutex
	events []trigger.Event
	block  chan struct{} // when set, Run blocks until closed
}

func (m *mockRunner) Run(_ context.Context, ev trigger.Event) (*packsync.Result, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return &packsync.Result{RunID: "test"}, nil
}

func (m *mockRunner) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

const testSecret = "test-secret-key"

func newTestServer(t *testing.T) (*Server, *mockRunner) {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "webhook_secret")
	if err := os.WriteFile(secretPath, []byte(testSecret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		Repo: config.RepoConfig{
			URL:    "https://github.com/example/modpack.git",
			Branch: "main",
		},
		Serve: config.ServeConfig{
			ListenAddr:        "127.0.0.1:0",
			WebhookSecretFile: secretPath,
			AllowedRefs:       []string{"refs/heads/main"},
		},
	}

	filter, err := trigger.NewFilter([]string{"mods/**", "config/**", ".packsyncd.yaml"})
	if err != nil {
		t.Fatal(err)
	}

	runner := &mockRunner{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv, err := NewServer(cfg, runner, filter, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv, runner
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, srv *Server, event string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	w := httptest.NewRecorder()
	srv.handleWebhook(w, req)
	return w
}

// waitForRuns polls until the runner has seen n events or the deadline passes.
func waitForRuns(t *testing.T, runner *mockRunner, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runner.eventCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d runs, got %d", n, runner.eventCount())
}

func TestHandleWebhook_QualifyingPushStartsRun(t *testing.T) {
	srv, runner := newTestServer(t)

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {"full_name": "example/modpack"},
		"commits": [
			{"id": "abc123", "added": ["mods/create.jar"], "removed": [], "modified": ["README.md"]}
		]
	}`)

	w := postWebhook(t, srv, "push", body, sign(body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	waitForRuns(t, runner, 1)
	ev := runner.events[0]
	if ev.Ref != "refs/heads/main" || ev.Commit != "abc123" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if len(ev.Paths) != 2 {
		t.Errorf("expected 2 changed paths, got %v", ev.Paths)
	}
}

func TestHandleWebhook_NonWatchedPathsNoRun(t *testing.T) {
	srv, runner := newTestServer(t)

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"commits": [
			{"id": "abc123", "added": [], "removed": [], "modified": ["README.md", "docs/guide.md"]}
		]
	}`)

	w := postWebhook(t, srv, "push", body, sign(body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// Give any stray goroutine a moment, then confirm nothing ran.
	time.Sleep(50 * time.Millisecond)
	if runner.eventCount() != 0 {
		t.Errorf("expected no runs for non-watched paths, got %d", runner.eventCount())
	}
}

func TestHandleWebhook_DisallowedRef(t *testing.T) {
	srv, runner := newTestServer(t)

	body := []byte(`{
		"ref": "refs/heads/feature",
		"after": "abc123",
		"commits": [{"id": "abc123", "added": ["mods/new.jar"]}]
	}`)

	w := postWebhook(t, srv, "push", body, sign(body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	time.Sleep(50 * time.Millisecond)
	if runner.eventCount() != 0 {
		t.Errorf("expected no runs for disallowed ref, got %d", runner.eventCount())
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	srv, runner := newTestServer(t)

	body := []byte(`{"ref": "refs/heads/main"}`)
	w := postWebhook(t, srv, "push", body, "sha256=deadbeef")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	w = postWebhook(t, srv, "push", body, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for missing signature, got %d", w.Code)
	}

	if runner.eventCount() != 0 {
		t.Error("expected no runs for rejected requests")
	}
}

func TestHandleWebhook_BadPayload(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{not json`)
	w := postWebhook(t, srv, "push", body, sign(body))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleWebhook_NonPushEvent(t *testing.T) {
	srv, runner := newTestServer(t)

	body := []byte(`{"zen": "keep it simple"}`)
	w := postWebhook(t, srv, "ping", body, sign(body))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for ping, got %d", w.Code)
	}

	time.Sleep(50 * time.Millisecond)
	if runner.eventCount() != 0 {
		t.Error("expected no runs for ping event")
	}
}

func TestHandleWebhook_MethodAndContentType(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	srv.handleWebhook(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")
	w = httptest.NewRecorder()
	srv.handleWebhook(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for wrong content type, got %d", w.Code)
	}
}

func TestHandleWebhook_ConcurrentEventsSpawnIndependentRuns(t *testing.T) {
	srv, runner := newTestServer(t)
	runner.block = make(chan struct{})

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"commits": [{"id": "abc123", "added": ["mods/new.jar"]}]
	}`)

	// Two qualifying events close together: both must be accepted
	// immediately, neither queued nor coalesced.
	w1 := postWebhook(t, srv, "push", body, sign(body))
	w2 := postWebhook(t, srv, "push", body, sign(body))
	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Fatalf("expected both events accepted, got %d and %d", w1.Code, w2.Code)
	}

	// Both runs were blocked in-flight concurrently; release them.
	close(runner.block)
	waitForRuns(t, runner, 2)
}

func TestChangedPaths(t *testing.T) {
	event := &PushEvent{
		Commits: []PushCommit{
			{Added: []string{"mods/a.jar"}, Modified: []string{"config/x.cfg"}},
			{Removed: []string{"mods/b.jar"}, Modified: []string{"config/x.cfg"}},
		},
	}

	paths := event.ChangedPaths()
	if len(paths) != 3 {
		t.Errorf("expected 3 unique paths, got %v", paths)
	}
}

func TestChangedPaths_HeadCommitFallback(t *testing.T) {
	event := &PushEvent{
		HeadCommit: &PushCommit{Added: []string{"mods/a.jar"}},
	}

	paths := event.ChangedPaths()
	if len(paths) != 1 || paths[0] != "mods/a.jar" {
		t.Errorf("expected head_commit fallback, got %v", paths)
	}
}

func TestVerifySignature(t *testing.T) {
	srv, _ := newTestServer(t)
	body := []byte("payload")

	if !srv.verifySignature(body, sign(body)) {
		t.Error("expected valid signature to verify")
	}
	if srv.verifySignature(body, "sha256=0000") {
		t.Error("expected wrong signature to fail")
	}
	if srv.verifySignature(body, "sha1=whatever") {
		t.Error("expected non-sha256 signature to fail")
	}
}
