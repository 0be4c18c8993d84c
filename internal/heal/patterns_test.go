package heal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	t.Run("version conflict", func(t *testing.T) {
		stderr := `Traceback (most recent call last):
  File "script.py", line 3, in <module>
pkg_resources.VersionConflict: (requests 2.31.0 (/site), Requirement.parse('requests==2.28.0'))`
		plan := Analyze(stderr, 3)
		require.NotNil(t, plan)
		require.Len(t, plan.Requirements, 1)
		assert.Equal(t, "requests==2.28.0", plan.Requirements[0].String())
		assert.Equal(t, 3, plan.MaxAttempts)
	})

	t.Run("requires pinned", func(t *testing.T) {
		plan := Analyze("RuntimeError: this pipeline requires scipy==1.4.2 to run", 3)
		require.NotNil(t, plan)
		assert.Equal(t, "scipy==1.4.2", plan.Requirements[0].String())
	})

	t.Run("version assertion", func(t *testing.T) {
		plan := Analyze("AssertionError: numpy version must be 1.21.0", 3)
		require.NotNil(t, plan)
		assert.Equal(t, "numpy==1.21.0", plan.Requirements[0].String())
	})

	t.Run("module not found", func(t *testing.T) {
		plan := Analyze("ModuleNotFoundError: No module named 'yaml'", 3)
		require.NotNil(t, plan)
		require.Len(t, plan.Requirements, 1)
		assert.Equal(t, "yaml", plan.Requirements[0].Name)
		assert.Nil(t, plan.Requirements[0].Version)
	})

	t.Run("distribution not found pinned", func(t *testing.T) {
		plan := Analyze("pkg_resources.DistributionNotFound: The 'flask==2.0.1' distribution was not found", 3)
		require.NotNil(t, plan)
		assert.Equal(t, "flask==2.0.1", plan.Requirements[0].String())
	})

	t.Run("one requirement per package", func(t *testing.T) {
		stderr := `ModuleNotFoundError: No module named 'yaml'
ModuleNotFoundError: No module named 'yaml'`
		plan := Analyze(stderr, 3)
		require.NotNil(t, plan)
		assert.Len(t, plan.Requirements, 1)
	})

	t.Run("unrecognized output", func(t *testing.T) {
		assert.Nil(t, Analyze("SyntaxError: invalid syntax", 3))
	})
}

func TestWiden(t *testing.T) {
	plan := Analyze("RuntimeError: this pipeline requires scipy==1.4.2 to run", 3)
	require.NotNil(t, plan)

	next := Widen(plan)
	assert.Equal(t, 1, next.Attempt)
	require.NotNil(t, next.Requirements[0].Version, "pin kept on intermediate attempt")

	final := Widen(next)
	assert.Equal(t, 2, final.Attempt)
	assert.Nil(t, final.Requirements[0].Version, "pin relaxed on final attempt")
}

func TestTablePatternsAreAnchoredToKnownNames(t *testing.T) {
	seen := map[string]bool{}
	for _, pattern := range Table {
		assert.NotEmpty(t, pattern.Name)
		assert.False(t, seen[pattern.Name], "duplicate pattern name %s", pattern.Name)
		seen[pattern.Name] = true
		assert.NotNil(t, pattern.Regex)
		assert.NotNil(t, pattern.Extract)
	}
}
