package bubble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

// FileClass classifies one staged file relative to the main environment.
type FileClass string

const (
	// ClassIdentical means the same relative path exists in main with the
	// same content hash; the file is a dedup candidate.
	ClassIdentical FileClass = "identical"
	// ClassAdded means the path does not exist in main.
	ClassAdded FileClass = "added"
	// ClassDiffers means the path exists in main with different content.
	ClassDiffers FileClass = "differs"
)

// DiffEntry is one staged file with its classification.
type DiffEntry struct {
	RelativePath string
	Class        FileClass
	SHA256       string
	Size         int64
}

// diffWorkers bounds the parallel hashing pool.
const diffWorkers = 8

// DiffRoots walks the staged root and classifies every file against the
// main environment. Hashing runs on a bounded worker pool.
func DiffRoots(ctx context.Context, stagedRoot, mainRoot string) ([]DiffEntry, error) {
	var paths []string
	err := filepath.WalkDir(stagedRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stagedRoot, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	pool := pond.NewPool(diffWorkers)
	defer pool.StopAndWait()
	group := pool.NewGroup()

	var mu sync.Mutex
	entries := make([]DiffEntry, 0, len(paths))

	for _, rel := range paths {
		rel := rel
		group.SubmitErr(func() error {
			if ctx.Err() != nil {
				return core.ErrCancelled
			}

			stagedPath := filepath.Join(stagedRoot, rel)
			hash, size, err := HashFile(stagedPath)
			if err != nil {
				return err
			}

			entry := DiffEntry{RelativePath: rel, SHA256: hash, Size: size}

			mainPath := filepath.Join(mainRoot, rel)
			if _, err := os.Stat(mainPath); os.IsNotExist(err) {
				entry.Class = ClassAdded
			} else if err != nil {
				return err
			} else {
				mainHash, _, err := HashFile(mainPath)
				if err != nil {
					return err
				}
				if mainHash == hash {
					entry.Class = ClassIdentical
				} else {
					entry.Class = ClassDiffers
				}
			}

			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// HashFile returns the hex SHA-256 and size of one file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// nativeExtensions mark platform-specific compiled objects. A package whose
// staged files include any of these is treated as native and never deduped.
var nativeExtensions = []string{".so", ".pyd", ".dylib", ".dll"}

// HasNativeCode reports whether any entry carries a compiled object.
func HasNativeCode(entries []DiffEntry) bool {
	for _, entry := range entries {
		for _, ext := range nativeExtensions {
			if strings.HasSuffix(entry.RelativePath, ext) {
				return true
			}
		}
	}
	return false
}

// ProvidedModules derives the top-level importable module names from the
// staged root: package directories and single-file modules, with metadata
// directories skipped.
func ProvidedModules(stagedRoot string) ([]string, error) {
	entries, err := os.ReadDir(stagedRoot)
	if err != nil {
		return nil, err
	}

	var modules []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".dist-info") || strings.HasSuffix(name, ".data") {
			continue
		}
		if name == "bin" || name == "__pycache__" || strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			modules = append(modules, name)
			continue
		}
		if strings.HasSuffix(name, ".py") {
			modules = append(modules, strings.TrimSuffix(name, ".py"))
		}
	}
	return modules, nil
}
