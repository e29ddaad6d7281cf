package imagestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/smileynet/astrocam/internal/backend"
)

func TestFileStore_SaveCapture(t *testing.T) {
	// Given an empty store
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "images"))

	// When two captures are saved
	for i, data := range [][]byte{[]byte("one"), []byte("two")} {
		if _, err := store.SaveCapture("sess-1", i+1, data); err != nil {
			t.Fatalf("SaveCapture(%d) error = %v", i+1, err)
		}
	}

	// Then each frame has its own file and latest holds the last one
	got, err := os.ReadFile(filepath.Join(dir, "images", "sess-1", "capture-0002.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Errorf("capture-0002 = %q, want two", got)
	}
	latest, err := os.ReadFile(filepath.Join(dir, "images", LatestFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(latest) != "two" {
		t.Errorf("latest = %q, want two", latest)
	}

	// And the manifest records both
	m, found, err := store.LoadManifest("sess-1")
	if err != nil || !found {
		t.Fatalf("LoadManifest() = found %v, err %v", found, err)
	}
	if m.LastCapture != 2 || len(m.Images) != 2 {
		t.Errorf("manifest = %+v, want last 2 with 2 images", m)
	}
}

func TestFileStore_SavePreview(t *testing.T) {
	store := NewFileStore(t.TempDir())
	p, err := store.SavePreview([]byte("jpeg"))
	if err != nil {
		t.Fatalf("SavePreview() error = %v", err)
	}
	if filepath.Base(p) != PreviewFile {
		t.Errorf("path = %q, want %s", p, PreviewFile)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), LatestFile)); err != nil {
		t.Errorf("latest not written: %v", err)
	}
}

func TestFileStore_ManifestRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())
	params := &backend.CaptureParams{Exposure: 30, Captures: 10}
	if err := store.SaveManifest(Manifest{ID: "sess-2", Params: params}); err != nil {
		t.Fatal(err)
	}

	m, found, err := store.LoadManifest("sess-2")
	if err != nil || !found {
		t.Fatalf("LoadManifest() = found %v, err %v", found, err)
	}
	if m.Params == nil || m.Params.Captures != 10 {
		t.Errorf("Params = %+v, want captures 10", m.Params)
	}
	if m.Updated.IsZero() {
		t.Error("Updated not set")
	}
}

func TestFileStore_LoadManifestNotFound(t *testing.T) {
	store := NewFileStore(t.TempDir())
	_, found, err := store.LoadManifest("missing")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
}

func TestFileStore_InvalidID(t *testing.T) {
	store := NewFileStore(t.TempDir())
	for _, id := range []string{"", ".", "..", "../escape", "a/b"} {
		if _, err := store.SaveCapture(id, 1, []byte("x")); !errors.Is(err, ErrInvalidID) {
			t.Errorf("SaveCapture(%q) error = %v, want ErrInvalidID", id, err)
		}
	}
}
