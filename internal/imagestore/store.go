// Package imagestore materializes received frames and per-session
// manifests to the filesystem.
package imagestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/smileynet/astrocam/internal/backend"
)

// File names under the base directory.
const (
	PreviewFile  = "preview.jpg"
	LatestFile   = "latest.jpg"
	ManifestFile = "session.json"
)

// ErrInvalidID indicates a session ID is empty or contains path traversal components.
var ErrInvalidID = errors.New("imagestore: invalid session ID")

// Manifest records what a capture session produced.
type Manifest struct {
	ID          string                 `json:"id"`
	Params      *backend.CaptureParams `json:"params,omitempty"`
	Started     time.Time              `json:"started"`
	Updated     time.Time              `json:"updated"`
	LastCapture int                    `json:"last_capture"`
	Images      []string               `json:"images"`
}

// FileStore writes images under a base directory. The latest frame is
// also copied to LatestFile so viewers can watch one path.
type FileStore struct {
	baseDir string
	now     func() time.Time
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir, now: time.Now}
}

// Dir returns the base directory.
func (s *FileStore) Dir() string {
	return s.baseDir
}

// SavePreview writes a preview frame and returns its path.
func (s *FileStore) SavePreview(data []byte) (string, error) {
	p := filepath.Join(s.baseDir, PreviewFile)
	if err := s.write(p, data); err != nil {
		return "", err
	}
	if err := s.write(filepath.Join(s.baseDir, LatestFile), data); err != nil {
		return "", err
	}
	return p, nil
}

// SaveCapture writes capture index of session id, records it in the
// session manifest and returns the image path.
func (s *FileStore) SaveCapture(id string, index int, data []byte) (string, error) {
	dir, err := s.sessionDir(id)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("capture-%04d.jpg", index)
	p := filepath.Join(dir, name)
	if err := s.write(p, data); err != nil {
		return "", err
	}
	if err := s.write(filepath.Join(s.baseDir, LatestFile), data); err != nil {
		return "", err
	}

	m, found, err := s.LoadManifest(id)
	if err != nil {
		return "", err
	}
	if !found {
		m = Manifest{ID: id, Started: s.now()}
	}
	if index > m.LastCapture {
		m.LastCapture = index
	}
	m.Images = append(m.Images, name)
	if err := s.SaveManifest(m); err != nil {
		return "", err
	}
	return p, nil
}

// SaveManifest writes m as JSON in its session directory.
func (s *FileStore) SaveManifest(m Manifest) error {
	dir, err := s.sessionDir(m.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("imagestore: creating directory: %w", err)
	}
	m.Updated = s.now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("imagestore: marshaling manifest: %w", err)
	}
	p := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("imagestore: writing %s: %w", p, err)
	}
	return nil
}

// LoadManifest reads the manifest of session id.
// Returns (manifest, true, nil) if found, (zero, false, nil) if not found.
func (s *FileStore) LoadManifest(id string) (Manifest, bool, error) {
	dir, err := s.sessionDir(id)
	if err != nil {
		return Manifest{}, false, err
	}
	p := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, fmt.Errorf("imagestore: reading %s: %w", p, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("imagestore: parsing %s: %w", p, err)
	}
	return m, true, nil
}

func (s *FileStore) write(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("imagestore: creating directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("imagestore: writing %s: %w", p, err)
	}
	return nil
}

// sessionDir rejects IDs that are empty, dot-segments, or contain path separators.
func (s *FileStore) sessionDir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || id != filepath.Base(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.baseDir, id), nil
}
