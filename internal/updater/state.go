package updater

// State tracks the files the updater manages inside the install directory.
// Prune only ever removes files recorded here, never user files.
type State struct {
	PackVersion  string                 `json:"pack_version"`
	ManagedFiles map[string]ManagedFile `json:"managed_files"` // keyed by install-relative path
}

// ManagedFile is one installed file under management.
type ManagedFile struct {
	SHA256 string `json:"sha256"` // content hash at install time
}

// Plan represents the update operations to perform
type Plan struct {
	Download []FileOp
	Keep     []FileOp
	Remove   []FileOp
}

// FileOp represents a file operation
type FileOp struct {
	RelPath string // install-relative path, slash-separated
	URL     string // download source, empty for keep/remove
	SHA256  string // expected content hash
}
