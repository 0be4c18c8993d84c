package bubble

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
)

func TestClassifyImportError(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		expected core.ImportFailureClass
	}{
		{
			"module not found",
			"Traceback (most recent call last):\nModuleNotFoundError: No module named 'urllib3'",
			core.ImportModuleNotFound,
		},
		{
			"symbol not found",
			"ImportError: cannot import name 'DEFAULT_CIPHERS' from 'urllib3.util.ssl_'",
			core.ImportSymbolNotFound,
		},
		{
			"abi error",
			"ImportError: /site/np.so: undefined symbol: PyFloat_FromDouble",
			core.ImportBinaryABI,
		},
		{
			"unknown",
			"SyntaxError: invalid syntax",
			core.ImportUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyImportError(tt.stderr))
		})
	}
}

func TestPyIdent(t *testing.T) {
	assert.Equal(t, "requests", pyIdent("requests"))
	assert.Equal(t, "zope.interface", pyIdent("zope.interface"))
	assert.Equal(t, "_invalid_module_name_", pyIdent("os; import sys"))
	assert.Equal(t, "_invalid_module_name_", pyIdent("x\nimport os"))
}

func TestScrubbedBaseEnv(t *testing.T) {
	t.Setenv("PYTHONPATH", "/leak")
	t.Setenv("LD_LIBRARY_PATH", "/leaklibs")
	t.Setenv(config.EnvActiveBubble, "leaky==1.0.0")
	t.Setenv("HOME", os.Getenv("HOME")) // ordinary variables survive

	env := scrubbedBaseEnv()
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		assert.NotEqual(t, "PYTHONPATH", name)
		assert.NotEqual(t, "LD_LIBRARY_PATH", name)
		assert.NotEqual(t, config.EnvActiveBubble, name)
	}
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	long := strings.Repeat("x", 100)
	clipped := tail(long, 10)
	assert.Len(t, clipped, 13) // "..." + 10
	assert.True(t, strings.HasPrefix(clipped, "..."))
}
