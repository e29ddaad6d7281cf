// Package astrocam provides embedded runtime resources.
package astrocam

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfig is the commented configuration template written by init.
//
//go:embed defaults/config.yaml
var DefaultConfig []byte

// ErrConfigExists is returned when the target config file already exists.
var ErrConfigExists = errors.New("config file already exists")

// WriteDefaultConfig writes the template to path, creating parent
// directories. An existing file is never overwritten.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrConfigExists)
		}
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(DefaultConfig); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
