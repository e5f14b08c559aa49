// Package artifact implements the Artifact Store (spec §4.9): a
// namespaced filesystem writer that enforces path constraints and
// computes digests for every emitted file.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stepforge/kernel/internal/kernelerrors"
)

// Descriptor catalogues one artifact: its path relative to the run
// root, its digest, size, and the step that produced it.
type Descriptor struct {
	Path       string `json:"path"`
	Digest     string `json:"digest"`
	SizeBytes  int64  `json:"size_bytes"`
	ProducedBy string `json:"produced_by"`
	MimeHint   string `json:"mime_hint,omitempty"`
}

// Store writes artifacts under a run-scoped root and maintains the
// run's artifact index, keyed by relative path. Writes are serialized
// per path (spec §5): Write holds the index mutex from its collision
// check through the file write to the catalogue entry, so concurrent
// steps may call it safely.
type Store struct {
	root string

	mu    sync.Mutex
	index map[string]Descriptor
}

// NewStore creates a store rooted at artifacts/<run_id> (per spec §6),
// creating the directory if necessary.
func NewStore(artifactsRoot, runID string) (*Store, error) {
	root := filepath.Join(artifactsRoot, runID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.InternalError, "create artifact root", err)
	}
	return &Store{root: root, index: make(map[string]Descriptor)}, nil
}

// Root returns the absolute filesystem root for this run's artifacts.
func (s *Store) Root() string { return s.root }

// Write validates relPath against the run namespace, writes data,
// computes its SHA-256 digest, and catalogues a Descriptor. A path
// already catalogued by a different step is rejected as a planning-time
// collision (spec §3 invariants: emits paths never collide across
// steps); a path re-emitted by the *same* step is rejected too, since
// artifacts are immutable after emission.
func (s *Store) Write(relPath, producedBy string, data []byte) (Descriptor, error) {
	clean, err := validateRelPath(relPath)
	if err != nil {
		return Descriptor{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.index[clean]; ok {
		return Descriptor{}, kernelerrors.Newf(kernelerrors.InternalError,
			"artifact %q already catalogued by step %q", clean, existing.ProducedBy)
	}

	abs := filepath.Join(s.root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Descriptor{}, kernelerrors.Wrap(kernelerrors.InternalError, "create artifact directory", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return Descriptor{}, kernelerrors.Wrap(kernelerrors.InternalError, "write artifact", err)
	}

	sum := sha256.Sum256(data)
	desc := Descriptor{
		Path:       clean,
		Digest:     hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(data)),
		ProducedBy: producedBy,
		MimeHint:   mimeHint(clean),
	}

	s.index[clean] = desc
	return desc, nil
}

// WriteFile copies an existing file on disk into the artifact namespace,
// used when an adapter has already written its output to a workspace
// path and the executor needs to catalogue it.
func (s *Store) WriteFile(relPath, producedBy, sourcePath string) (Descriptor, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return Descriptor{}, kernelerrors.Wrap(kernelerrors.InternalError, "open adapter output", err)
	}
	defer f.Close()

	h := sha256.New()
	buf, err := io.ReadAll(io.TeeReader(f, h))
	if err != nil {
		return Descriptor{}, kernelerrors.Wrap(kernelerrors.InternalError, "read adapter output", err)
	}
	return s.Write(relPath, producedBy, buf)
}

// Read returns the catalogued bytes for relPath. Reads of a
// non-catalogued path fail (spec §4.9).
func (s *Store) Read(relPath string) ([]byte, error) {
	clean, err := validateRelPath(relPath)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, ok := s.index[clean]
	s.mu.Unlock()
	if !ok {
		return nil, kernelerrors.Newf(kernelerrors.InternalError, "artifact %q is not catalogued", clean)
	}

	data, err := os.ReadFile(filepath.Join(s.root, clean))
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.InternalError, "read artifact", err)
	}
	return data, nil
}

// Descriptor returns the catalogued descriptor for relPath, if any.
func (s *Store) Descriptor(relPath string) (Descriptor, bool) {
	clean, err := validateRelPath(relPath)
	if err != nil {
		return Descriptor{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.index[clean]
	return d, ok
}

// Index returns a snapshot copy of the artifacts index (spec §5:
// "readers of the artifacts index ... observe a consistent snapshot
// per read").
func (s *Store) Index() map[string]Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Descriptor, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

// validateRelPath rejects absolute paths, parent traversal, and
// backslash path separators, matching the path-traversal checks in
// the teacher's security.PathValidator, adapted to the fixed run
// namespace instead of a configurable approved-directories list.
func validateRelPath(relPath string) (string, error) {
	if relPath == "" {
		return "", kernelerrors.New(kernelerrors.InternalError, "empty artifact path")
	}
	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") {
		return "", kernelerrors.Newf(kernelerrors.InternalError, "artifact path %q must be relative", relPath)
	}
	if strings.Contains(relPath, "\\") {
		return "", kernelerrors.Newf(kernelerrors.InternalError, "artifact path %q must use forward slashes", relPath)
	}

	clean := filepath.ToSlash(filepath.Clean(relPath))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "", kernelerrors.Newf(kernelerrors.InternalError, "artifact path %q escapes the run namespace", relPath)
	}
	return clean, nil
}

func mimeHint(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".diff", ".patch":
		return "text/x-diff"
	case ".txt", ".log":
		return "text/plain"
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return ""
	}
}
