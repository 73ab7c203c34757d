package runtime

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/loomgrid/loom/pkg/api"
)

// CollectArtifacts scans the execution's artifact directory and finalizes
// the artifact set: relative path, size and sha256 per file, ordered by
// path. A scan failure returns the partial set with the incomplete flag and
// an ArtifactError; callers report rather than fail the job on it.
func (a *ContainerdAdapter) CollectArtifacts(h Handle) (api.ArtifactSet, error) {
	exec, err := a.lookup(h)
	if err != nil {
		return api.ArtifactSet{Incomplete: true}, &ArtifactError{Err: err}
	}
	return ScanArtifactDir(exec.artifactDir)
}

// ScanArtifactDir builds an ArtifactSet from the contents of dir.
func ScanArtifactDir(dir string) (api.ArtifactSet, error) {
	var set api.ArtifactSet

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		sum, err := checksumFile(path)
		if err != nil {
			return err
		}

		set.Entries = append(set.Entries, api.Artifact{
			Path:      rel,
			SizeBytes: info.Size(),
			Checksum:  sum,
		})
		return nil
	})

	sort.Slice(set.Entries, func(i, j int) bool {
		return set.Entries[i].Path < set.Entries[j].Path
	})

	if walkErr != nil {
		set.Incomplete = true
		return set, &ArtifactError{Dir: dir, Err: walkErr}
	}
	return set, nil
}

// ArchiveArtifacts zips the artifact directory for upload to a pre-signed
// URL. Returns the path of the archive, created next to the directory.
func ArchiveArtifacts(dir string) (string, error) {
	zipPath := dir + ".zip"

	out, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	w := zip.NewWriter(out)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		entry, err := w.Create(rel)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		w.Close()
		os.Remove(zipPath)
		return "", fmt.Errorf("failed to archive artifacts: %w", err)
	}

	if err := w.Close(); err != nil {
		os.Remove(zipPath)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}

	return zipPath, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
