package bubble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

func sampleManifest() *core.Manifest {
	return &core.Manifest{
		PackageName: "requests",
		Version:     "2.28.0",
		Entries: []core.ManifestEntry{
			{RelativePath: "requests/api.py", Kind: core.EntryFile, SHA256: "bb", Size: 10},
			{RelativePath: "requests/__init__.py", Kind: core.EntrySymlink, SHA256: "aa", Size: 5, Target: "requests/__init__.py"},
		},
		ProvidedModules: []string{"requests"},
	}
}

func TestManifestRoundTripIsByteIdentical(t *testing.T) {
	first, err := EncodeManifest(sampleManifest())
	require.NoError(t, err)

	decoded, err := DecodeManifest(first)
	require.NoError(t, err)

	second, err := EncodeManifest(decoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncodeManifestSortsEntries(t *testing.T) {
	m := sampleManifest()
	data, err := EncodeManifest(m)
	require.NoError(t, err)

	decoded, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "requests/__init__.py", decoded.Entries[0].RelativePath)
	assert.Equal(t, "requests/api.py", decoded.Entries[1].RelativePath)
}

func TestWriteReadManifest(t *testing.T) {
	dir := t.TempDir()
	m := sampleManifest()
	require.NoError(t, WriteManifest(dir, m))

	loaded, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.PackageName, loaded.PackageName)
	assert.Len(t, loaded.Entries, 2)
}

func TestWriteReadDeps(t *testing.T) {
	dir := t.TempDir()
	deps := map[string]string{"urllib3": "1.26.15", "idna": "3.4"}
	require.NoError(t, WriteDeps(dir, deps))

	loaded, err := ReadDeps(dir)
	require.NoError(t, err)
	assert.Equal(t, deps, loaded)
}

func TestDecodeManifestRejectsGarbage(t *testing.T) {
	_, err := DecodeManifest([]byte("not json"))
	assert.Error(t, err)
}
