// Package installer owns the subprocess relationship with the ecosystem's
// native installer: tool selection from a configurable priority list,
// preflight satisfaction checks, staged installs into isolated roots, and
// the reorder-and-diff algorithm the bubble-creation protocol depends on.
package installer

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

// ScanEnvironment reads the installed-distribution metadata under root and
// returns the package→version map of everything visible there. This is the
// cheap metadata pass preflight and snapshots rely on; it never invokes the
// installer.
func ScanEnvironment(root string) (map[string]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	packages := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dist-info") {
			continue
		}
		name, version, ok := parseDistInfoDir(entry.Name())
		if !ok {
			// Fall back to the METADATA file when the directory name has no
			// usable name-version split.
			name, version, ok = readMetadata(filepath.Join(root, entry.Name(), "METADATA"))
			if !ok {
				continue
			}
		}
		packages[core.NormalizeName(name)] = version
	}
	return packages, nil
}

// parseDistInfoDir splits "<name>-<version>.dist-info". The version is the
// segment after the last dash, which holds for normalized wheel names.
func parseDistInfoDir(dir string) (name, version string, ok bool) {
	base := strings.TrimSuffix(dir, ".dist-info")
	idx := strings.LastIndex(base, "-")
	if idx <= 0 || idx == len(base)-1 {
		return "", "", false
	}
	return base[:idx], base[idx+1:], true
}

// readMetadata extracts Name and Version headers from a METADATA file.
func readMetadata(path string) (name, version string, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // end of headers
		}
		if v, found := strings.CutPrefix(line, "Name: "); found {
			name = strings.TrimSpace(v)
		}
		if v, found := strings.CutPrefix(line, "Version: "); found {
			version = strings.TrimSpace(v)
		}
	}
	return name, version, name != "" && version != ""
}

// LockfileHash hashes the installer's dependency lock file under root, if
// one is present. Returns "" when no lock file exists.
func LockfileHash(root string) string {
	for _, candidate := range []string{"uv.lock", "requirements.lock", "poetry.lock"} {
		data, err := os.ReadFile(filepath.Join(root, candidate))
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
	return ""
}
