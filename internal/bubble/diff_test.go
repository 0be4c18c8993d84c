package bubble

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func entryByPath(entries []DiffEntry, rel string) *DiffEntry {
	for i := range entries {
		if entries[i].RelativePath == rel {
			return &entries[i]
		}
	}
	return nil
}

func TestDiffRoots(t *testing.T) {
	staged := t.TempDir()
	main := t.TempDir()

	writeFile(t, staged, "pkg/__init__.py", "same content")
	writeFile(t, main, "pkg/__init__.py", "same content")

	writeFile(t, staged, "pkg/changed.py", "new version")
	writeFile(t, main, "pkg/changed.py", "old version")

	writeFile(t, staged, "pkg/only_staged.py", "fresh")

	entries, err := DiffRoots(context.Background(), staged, main)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	identical := entryByPath(entries, "pkg/__init__.py")
	require.NotNil(t, identical)
	assert.Equal(t, ClassIdentical, identical.Class)
	assert.Equal(t, int64(len("same content")), identical.Size)
	assert.Len(t, identical.SHA256, 64)

	differs := entryByPath(entries, "pkg/changed.py")
	require.NotNil(t, differs)
	assert.Equal(t, ClassDiffers, differs.Class)

	added := entryByPath(entries, "pkg/only_staged.py")
	require.NotNil(t, added)
	assert.Equal(t, ClassAdded, added.Class)
}

func TestDiffRootsCancelled(t *testing.T) {
	staged := t.TempDir()
	writeFile(t, staged, "a.py", "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DiffRoots(ctx, staged, t.TempDir())
	assert.Error(t, err)
}

func TestHasNativeCode(t *testing.T) {
	assert.True(t, HasNativeCode([]DiffEntry{{RelativePath: "np/core.cpython-311.so"}}))
	assert.True(t, HasNativeCode([]DiffEntry{{RelativePath: "lib/native.pyd"}}))
	assert.False(t, HasNativeCode([]DiffEntry{{RelativePath: "pkg/pure.py"}}))
}

func TestProvidedModules(t *testing.T) {
	staged := t.TempDir()
	writeFile(t, staged, "requests/__init__.py", "")
	writeFile(t, staged, "six.py", "")
	writeFile(t, staged, "requests-2.28.0.dist-info/METADATA", "Name: requests")
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "__pycache__"), 0o755))

	modules, err := ProvidedModules(staged)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"requests", "six"}, modules)
}

func TestHashFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "hello")

	hash, size, err := HashFile(filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
}
