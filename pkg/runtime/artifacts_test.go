package runtime

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeArtifact(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", rel, err)
	}
}

func TestScanArtifactDir(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "results/metrics.json", `{"loss": 0.03}`)
	writeArtifact(t, dir, "model.bin", "weights")
	writeArtifact(t, dir, "stdout.log", "done\n")

	set, err := ScanArtifactDir(dir)
	if err != nil {
		t.Fatalf("ScanArtifactDir failed: %v", err)
	}
	if set.Incomplete {
		t.Error("Unexpected incomplete flag")
	}

	// Ordered by relative path.
	wantPaths := []string{"model.bin", "results/metrics.json", "stdout.log"}
	if len(set.Entries) != len(wantPaths) {
		t.Fatalf("Got %d entries, want %d", len(set.Entries), len(wantPaths))
	}
	for i, want := range wantPaths {
		if set.Entries[i].Path != want {
			t.Errorf("Entry %d path = %q, want %q", i, set.Entries[i].Path, want)
		}
	}

	sum := sha256.Sum256([]byte("weights"))
	if set.Entries[0].Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("Checksum mismatch for model.bin: %s", set.Entries[0].Checksum)
	}
	if set.Entries[0].SizeBytes != int64(len("weights")) {
		t.Errorf("SizeBytes = %d, want %d", set.Entries[0].SizeBytes, len("weights"))
	}
}

func TestScanArtifactDir_Empty(t *testing.T) {
	set, err := ScanArtifactDir(t.TempDir())
	if err != nil {
		t.Fatalf("ScanArtifactDir failed: %v", err)
	}
	if len(set.Entries) != 0 || set.Incomplete {
		t.Errorf("Expected empty complete set, got %+v", set)
	}
}

func TestScanArtifactDir_Missing(t *testing.T) {
	set, err := ScanArtifactDir(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("Expected error for missing directory")
	}
	if !set.Incomplete {
		t.Error("Failed scan must set the incomplete flag")
	}
}

func TestArchiveArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "job-1")
	writeArtifact(t, dir, "out/result.txt", "42")
	writeArtifact(t, dir, "log.txt", "ok")

	zipPath, err := ArchiveArtifacts(dir)
	if err != nil {
		t.Fatalf("ArchiveArtifacts failed: %v", err)
	}
	defer os.Remove(zipPath)

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("Archive unreadable: %v", err)
	}
	defer r.Close()

	got := map[string]bool{}
	for _, f := range r.File {
		got[f.Name] = true
	}
	for _, want := range []string{"out/result.txt", "log.txt"} {
		if !got[want] {
			t.Errorf("Archive missing %s (has %v)", want, got)
		}
	}
}
