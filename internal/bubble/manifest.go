// Package bubble builds and maintains per-version isolated package
// directories that overlay the shared main installation.
//
// A bubble directory contains the target package's files (possibly
// deduplicated against the main environment), a machine-readable manifest,
// and a dependency snapshot. Nothing else.
package bubble

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

const (
	// ManifestFileName is the machine-readable manifest inside a bubble.
	ManifestFileName = "multipkg-manifest.json"
	// DepsFileName is the dependency snapshot inside a bubble.
	DepsFileName = "multipkg-deps.json"
)

// EncodeManifest serializes a manifest deterministically: entries sorted by
// relative path, fixed field order, two-space indent. Serialize →
// deserialize → re-serialize is byte-identical.
func EncodeManifest(m *core.Manifest) ([]byte, error) {
	sort.Slice(m.Entries, func(i, j int) bool {
		return m.Entries[i].RelativePath < m.Entries[j].RelativePath
	})
	sort.Strings(m.ProvidedModules)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeManifest parses a serialized manifest.
func DecodeManifest(data []byte) (*core.Manifest, error) {
	var m core.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// WriteManifest writes the manifest file into the bubble directory
// atomically.
func WriteManifest(bubbleDir string, m *core.Manifest) error {
	data, err := EncodeManifest(m)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(bubbleDir, ManifestFileName), data)
}

// ReadManifest loads the manifest file from a bubble directory.
func ReadManifest(bubbleDir string) (*core.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(bubbleDir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	return DecodeManifest(data)
}

// WriteDeps writes the dependency snapshot file into the bubble directory.
// Map keys marshal in sorted order, so the file is deterministic.
func WriteDeps(bubbleDir string, deps map[string]string) error {
	data, err := json.MarshalIndent(deps, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode dependency snapshot: %w", err)
	}
	return atomicWrite(filepath.Join(bubbleDir, DepsFileName), append(data, '\n'))
}

// ReadDeps loads the dependency snapshot from a bubble directory.
func ReadDeps(bubbleDir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(bubbleDir, DepsFileName))
	if err != nil {
		return nil, err
	}
	deps := map[string]string{}
	if err := json.Unmarshal(data, &deps); err != nil {
		return nil, fmt.Errorf("failed to decode dependency snapshot: %w", err)
	}
	return deps, nil
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
