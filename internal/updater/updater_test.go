package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/packwright/packsyncd/internal/config"
	"github.com/packwright/packsyncd/internal/manifest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sha(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// packServer serves a manifest and the files it references.
func packServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != manifest.UserAgent {
			t.Errorf("expected User-Agent %s, got %s", manifest.UserAgent, got)
		}
		content, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func serveManifest(t *testing.T, m *manifest.Manifest, files map[string]string) *httptest.Server {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	all := map[string]string{"/manifest.json": string(data)}
	for k, v := range files {
		all[k] = v
	}
	return packServer(t, all)
}

func testUpdater(t *testing.T, srvURL, installDir string, prune bool, dryRun bool) *Updater {
	t.Helper()
	cfg := &config.Config{
		Client: config.ClientConfig{
			ManifestURL: srvURL + "/manifest.json",
			InstallDir:  installDir,
			Prune:       &prune,
		},
	}
	return New(cfg, http.DefaultClient, testLogger(), dryRun)
}

func TestRun_FreshInstall(t *testing.T) {
	files := map[string]string{
		"/files/mods/a.jar":    "mod a content",
		"/files/config/x.cfg":  "config x",
		"/files/mods/deep.jar": "deep mod",
	}

	srv := packServer(t, files)
	m := &manifest.Manifest{
		Modpack: manifest.Modpack{
			Name:    "Test",
			Version: "1.0.0",
			Mods: []manifest.Mod{
				{Name: "a.jar", File: "mods/a.jar", SHA256: sha("mod a content"), URL: srv.URL + "/files/mods/a.jar"},
				{Name: "deep.jar", File: "mods/deep.jar", SHA256: sha("deep mod"), URL: srv.URL + "/files/mods/deep.jar"},
			},
			Configs: []manifest.ConfigFile{
				{Path: "config/x.cfg", SHA256: sha("config x"), URL: srv.URL + "/files/config/x.cfg"},
			},
		},
	}
	msrv := serveManifest(t, m, files)

	installDir := t.TempDir()
	u := testUpdater(t, msrv.URL, installDir, true, false)

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for rel, content := range map[string]string{
		"mods/a.jar":    "mod a content",
		"mods/deep.jar": "deep mod",
		"config/x.cfg":  "config x",
	} {
		got, err := os.ReadFile(filepath.Join(installDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("expected %s installed: %v", rel, err)
		}
		if string(got) != content {
			t.Errorf("unexpected content for %s: %q", rel, got)
		}
	}

	// State file records the managed files.
	state, err := u.loadState()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.ManagedFiles) != 3 || state.PackVersion != "1.0.0" {
		t.Errorf("unexpected state: %+v", state)
	}
}

func TestRun_UpToDateDownloadsNothing(t *testing.T) {
	content := "mod a content"
	requests := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write([]byte(content))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := &manifest.Manifest{
		Modpack: manifest.Modpack{
			Name: "Test", Version: "1.0.0",
			Mods: []manifest.Mod{
				{Name: "a.jar", File: "mods/a.jar", SHA256: sha(content), URL: srv.URL + "/files/mods/a.jar"},
			},
		},
	}
	data, _ := json.Marshal(m)
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	})

	installDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(installDir, "mods"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(installDir, "mods", "a.jar"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	u := testUpdater(t, srv.URL, installDir, true, false)
	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if requests != 0 {
		t.Errorf("expected no file downloads for up-to-date install, got %d", requests)
	}
}

func TestRun_PruneRemovesOnlyManagedFiles(t *testing.T) {
	m := &manifest.Manifest{
		Modpack: manifest.Modpack{Name: "Test", Version: "2.0.0"},
	}
	msrv := serveManifest(t, m, nil)

	installDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(installDir, "mods"), 0755); err != nil {
		t.Fatal(err)
	}

	// One file the updater installed previously, one the user added.
	if err := os.WriteFile(filepath.Join(installDir, "mods", "old.jar"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(installDir, "mods", "user-added.jar"), []byte("mine"), 0644); err != nil {
		t.Fatal(err)
	}

	u := testUpdater(t, msrv.URL, installDir, true, false)
	prev := &State{
		PackVersion:  "1.0.0",
		ManagedFiles: map[string]ManagedFile{"mods/old.jar": {SHA256: sha("old")}},
	}
	if err := u.saveState(prev); err != nil {
		t.Fatal(err)
	}

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(installDir, "mods", "old.jar")); !os.IsNotExist(err) {
		t.Error("expected managed file to be pruned")
	}
	if _, err := os.Stat(filepath.Join(installDir, "mods", "user-added.jar")); err != nil {
		t.Error("expected user file to survive prune")
	}
}

func TestRun_PruneDisabled(t *testing.T) {
	m := &manifest.Manifest{Modpack: manifest.Modpack{Name: "Test", Version: "2.0.0"}}
	msrv := serveManifest(t, m, nil)

	installDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(installDir, "mods"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(installDir, "mods", "old.jar"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	u := testUpdater(t, msrv.URL, installDir, false, false)
	prev := &State{ManagedFiles: map[string]ManagedFile{"mods/old.jar": {SHA256: sha("old")}}}
	if err := u.saveState(prev); err != nil {
		t.Fatal(err)
	}

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(installDir, "mods", "old.jar")); err != nil {
		t.Error("expected file to survive with prune disabled")
	}
}

func TestRun_HashMismatchFails(t *testing.T) {
	files := map[string]string{"/files/mods/a.jar": "tampered content"}
	m := &manifest.Manifest{
		Modpack: manifest.Modpack{
			Name: "Test", Version: "1.0.0",
			Mods: []manifest.Mod{
				{Name: "a.jar", File: "mods/a.jar", SHA256: sha("expected content")},
			},
		},
	}
	msrv := serveManifest(t, m, files)
	m.Modpack.Mods[0].URL = msrv.URL + "/files/mods/a.jar"
	// Re-serve with the URL filled in.
	msrv2 := serveManifest(t, m, files)

	installDir := t.TempDir()
	u := testUpdater(t, msrv2.URL, installDir, true, false)

	if err := u.Run(context.Background()); err == nil {
		t.Fatal("expected error for hash mismatch")
	}

	// The tampered file must not land in the install dir.
	if _, err := os.Stat(filepath.Join(installDir, "mods", "a.jar")); !os.IsNotExist(err) {
		t.Error("expected no file installed on hash mismatch")
	}
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	files := map[string]string{"/files/mods/a.jar": "mod a"}
	m := &manifest.Manifest{
		Modpack: manifest.Modpack{Name: "Test", Version: "1.0.0"},
	}
	msrv := serveManifest(t, m, files)
	m.Modpack.Mods = []manifest.Mod{
		{Name: "a.jar", File: "mods/a.jar", SHA256: sha("mod a"), URL: msrv.URL + "/files/mods/a.jar"},
	}
	msrv2 := serveManifest(t, m, files)

	installDir := t.TempDir()
	u := testUpdater(t, msrv2.URL, installDir, true, true)

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, err := os.ReadDir(installDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty install dir after dry-run, got %d entries", len(entries))
	}
}

func TestBuildPlan_DeterministicOrder(t *testing.T) {
	m := &manifest.Manifest{
		Modpack: manifest.Modpack{
			Mods: []manifest.Mod{
				{Name: "z.jar", File: "mods/z.jar", SHA256: "zz", URL: "http://x/z"},
				{Name: "a.jar", File: "mods/a.jar", SHA256: "aa", URL: "http://x/a"},
				{Name: "m.jar", File: "mods/m.jar", SHA256: "mm", URL: "http://x/m"},
			},
			Configs: []manifest.ConfigFile{
				{Path: "config/b.cfg", SHA256: "bb", URL: "http://x/b"},
			},
		},
	}
	prev := &State{ManagedFiles: map[string]ManagedFile{
		"mods/gone2.jar": {SHA256: "g2"},
		"mods/gone1.jar": {SHA256: "g1"},
	}}

	u := testUpdater(t, "http://unused", t.TempDir(), true, false)
	plan, err := u.buildPlan(m, prev)
	if err != nil {
		t.Fatalf("buildPlan failed: %v", err)
	}

	wantDownload := []string{"config/b.cfg", "mods/a.jar", "mods/m.jar", "mods/z.jar"}
	if len(plan.Download) != len(wantDownload) {
		t.Fatalf("expected %d downloads, got %d", len(wantDownload), len(plan.Download))
	}
	for i, want := range wantDownload {
		if plan.Download[i].RelPath != want {
			t.Errorf("download[%d] = %s, want %s", i, plan.Download[i].RelPath, want)
		}
	}

	wantRemove := []string{"mods/gone1.jar", "mods/gone2.jar"}
	if len(plan.Remove) != len(wantRemove) {
		t.Fatalf("expected %d removals, got %d", len(wantRemove), len(plan.Remove))
	}
	for i, want := range wantRemove {
		if plan.Remove[i].RelPath != want {
			t.Errorf("remove[%d] = %s, want %s", i, plan.Remove[i].RelPath, want)
		}
	}
}

func TestBuildPlan_MissingURL(t *testing.T) {
	m := &manifest.Manifest{
		Modpack: manifest.Modpack{
			Mods: []manifest.Mod{{Name: "a.jar", File: "mods/a.jar", SHA256: "abc"}},
		},
	}

	u := testUpdater(t, "http://unused", t.TempDir(), true, false)
	_, err := u.buildPlan(m, &State{ManagedFiles: map[string]ManagedFile{}})
	if err == nil {
		t.Fatal("expected error for manifest entry without URL")
	}
	if got := err.Error(); !strings.Contains(got, "mods/a.jar") {
		t.Errorf("expected error to name the entry, got %q", got)
	}
}
