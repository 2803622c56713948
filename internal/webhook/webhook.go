package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/packwright/packsyncd/internal/activation"
	"github.com/packwright/packsyncd/internal/config"
	packsync "github.com/packwright/packsyncd/internal/sync"
	"github.com/packwright/packsyncd/internal/trigger"
)

// Runner starts sync runs for qualifying push events.
type Runner interface {
	Run(ctx context.Context, ev trigger.Event) (*packsync.Result, error)
}

// PushCommit carries the changed-path lists of one commit in a push event.
type PushCommit struct {
	ID       string   `json:"id"`
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// PushEvent represents the relevant fields from a GitHub push webhook
type PushEvent struct {
	Ref        string       `json:"ref"`
	After      string       `json:"after"`
	Commits    []PushCommit `json:"commits"`
	HeadCommit *PushCommit  `json:"head_commit"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ChangedPaths returns the union of added, removed and modified paths
// across all commits of the push, falling back to the head commit when
// the commit list is empty.
func (e *PushEvent) ChangedPaths() []string {
	seen := make(map[string]bool)
	var paths []string

	add := func(list []string) {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}

	commits := e.Commits
	if len(commits) == 0 && e.HeadCommit != nil {
		commits = []PushCommit{*e.HeadCommit}
	}
	for _, c := range commits {
		add(c.Added)
		add(c.Removed)
		add(c.Modified)
	}

	return paths
}

// Server implements the webhook HTTP server. Each qualifying push event
// spawns one independent run; events are not debounced, batched or
// serialized against each other. Concurrent runs race on the push step and
// the remote's fast-forward-only semantics pick the winner.
type Server struct {
	cfg    *config.Config
	runner Runner
	filter *trigger.Filter
	logger *slog.Logger
	secret []byte
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, runner Runner, filter *trigger.Filter, logger *slog.Logger) (*Server, error) {
	// Load webhook secret from file
	secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))

	return &Server{
		cfg:    cfg,
		runner: runner,
		filter: filter,
		logger: logger,
		secret: secret,
	}, nil
}

// Start starts the webhook HTTP server. When launched via systemd socket
// activation the inherited listener is used; otherwise the configured
// listen address is bound directly.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// listen returns the systemd-activated listener when one was passed in,
// falling back to binding the configured address.
func (s *Server) listen() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to check socket activation: %w", err)
	}
	if len(listeners) > 0 {
		s.logger.Info("using systemd-activated socket")
		return listeners[0], nil
	}

	listener, err := net.Listen("tcp", s.cfg.Serve.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
	}
	return listener, nil
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	// Only push events carry changed paths
	eventType := r.Header.Get("X-GitHub-Event")
	if eventType != "push" {
		s.logger.Info("ignoring non-push event", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	// Parse push event
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	// Check if ref is allowed
	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	// Apply the watched-path filter: changes confined to non-watched paths
	// never start a run.
	paths := event.ChangedPaths()
	if !s.filter.AnyMatch(paths) {
		s.logger.Info("ignoring event outside watched paths",
			"ref", event.Ref,
			"commit", event.After,
			"changed_paths", len(paths))
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "No watched paths changed\n")
		return
	}

	s.logger.Info("push event qualifies for sync",
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName,
		"changed_paths", len(paths))

	// Spawn an independent run per qualifying event. Runs are deliberately
	// uncoordinated; the remote branch ref is the only shared resource.
	ev := trigger.Event{Ref: event.Ref, Commit: event.After, Paths: paths}
	go func() {
		if _, err := s.runner.Run(context.Background(), ev); err != nil {
			s.logger.Error("sync run failed", "ref", ev.Ref, "commit", ev.Commit, "error", err)
		}
	}()

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync run started\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	// Compute expected signature
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}
