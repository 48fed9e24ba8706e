package dconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Root = root
	cfg.MaxSlots = 7
	cfg.DefaultProvider = "cli"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.MaxSlots != 7 || loaded.DefaultProvider != "cli" {
		t.Fatalf("round trip mismatch: got %+v", loaded)
	}
}

func TestSaveLeavesNoTmpFileBehind(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Root = root

	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "daemon.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be renamed away, stat err: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "daemon.json")); err != nil {
		t.Fatalf("expected daemon.json to exist: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxSlots != DefaultMaxSlots {
		t.Fatalf("expected default max slots, got %d", cfg.MaxSlots)
	}
}
