package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// UserAgent identifies manifest and file fetches to the hosting server.
const UserAgent = "packsyncd/1.0"

// Manifest is the generated modpack manifest document.
type Manifest struct {
	Modpack Modpack `json:"modpack"`
}

// Modpack describes the pack and its tracked files.
type Modpack struct {
	Name    string       `json:"name"`
	Version string       `json:"version"`
	Mods    []Mod        `json:"mods"`
	Configs []ConfigFile `json:"configs,omitempty"`
}

// Mod is a single mod jar tracked by the manifest.
type Mod struct {
	Name   string `json:"name"`
	File   string `json:"file"`   // repository-relative path, e.g. mods/create.jar
	SHA256 string `json:"sha256"` // content hash of the jar
	URL    string `json:"url,omitempty"`
}

// ConfigFile is a configuration file shipped alongside the mods.
type ConfigFile struct {
	Path   string `json:"path"` // repository-relative path, e.g. config/jei.cfg
	SHA256 string `json:"sha256"`
	URL    string `json:"url,omitempty"`
}

// Pack holds the generator inputs that are not derived from the scanned tree.
type Pack struct {
	Name    string
	Version string
	BaseURL string // prefix for download URLs; empty leaves URL fields unset
}

// Build scans baseDir under repoDir for mod jars (mods/*.jar) and config
// files (config/**) and assembles the manifest document. Entries are sorted
// by path so identical inputs always produce an identical document.
func Build(repoDir, baseDir string, pack Pack) (*Manifest, error) {
	root := repoDir
	if baseDir != "" {
		root = filepath.Join(repoDir, baseDir)
	}

	m := &Manifest{
		Modpack: Modpack{
			Name:    pack.Name,
			Version: pack.Version,
			Mods:    make([]Mod, 0),
			Configs: make([]ConfigFile, 0),
		},
	}

	modsDir := filepath.Join(root, "mods")
	entries, err := os.ReadDir(modsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read mods directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jar") {
			continue
		}

		path := filepath.Join(modsDir, entry.Name())
		hash, err := FileSHA256(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}

		rel := relPath(baseDir, "mods", entry.Name())
		m.Modpack.Mods = append(m.Modpack.Mods, Mod{
			Name:   entry.Name(),
			File:   rel,
			SHA256: hash,
			URL:    joinURL(pack.BaseURL, rel),
		})
	}

	configs, err := discoverFiles(filepath.Join(root, "config"))
	if err != nil {
		return nil, fmt.Errorf("failed to discover config files: %w", err)
	}
	for _, path := range configs {
		hash, err := FileSHA256(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}

		sub, err := filepath.Rel(filepath.Join(root, "config"), path)
		if err != nil {
			return nil, fmt.Errorf("failed to compute relative path: %w", err)
		}

		rel := relPath(baseDir, "config", filepath.ToSlash(sub))
		m.Modpack.Configs = append(m.Modpack.Configs, ConfigFile{
			Path:   rel,
			SHA256: hash,
			URL:    joinURL(pack.BaseURL, rel),
		})
	}

	sort.Slice(m.Modpack.Mods, func(i, j int) bool {
		return m.Modpack.Mods[i].File < m.Modpack.Mods[j].File
	})
	sort.Slice(m.Modpack.Configs, func(i, j int) bool {
		return m.Modpack.Configs[i].Path < m.Modpack.Configs[j].Path
	})

	return m, nil
}

// discoverFiles finds all regular files under dir, skipping hidden files
// and directories. A missing dir yields an empty result.
func discoverFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// Encode renders the manifest deterministically: stable field order, fixed
// indentation, trailing newline. Unchanged inputs yield byte-identical output.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Write encodes the manifest and writes it to path.
func (m *Manifest) Write(path string) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Load reads and parses a manifest file from disk.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return &m, nil
}

// Fetch downloads and parses a manifest from url.
func Fetch(ctx context.Context, client *http.Client, url string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch returned status %d", resp.StatusCode)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return &m, nil
}

// FileSHA256 computes the SHA256 hash of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// relPath joins repository-relative path elements with '/', including the
// optional base directory.
func relPath(baseDir string, elem ...string) string {
	parts := make([]string, 0, len(elem)+1)
	if baseDir != "" {
		parts = append(parts, filepath.ToSlash(baseDir))
	}
	parts = append(parts, elem...)
	return strings.Join(parts, "/")
}

// joinURL appends a repository-relative path to the download base URL.
func joinURL(baseURL, rel string) string {
	if baseURL == "" {
		return ""
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + rel
}
