package taskctx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteops/internal/observability"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta_t-1.json")
	return NewStore(path, "t-1", observability.NopLogger())
}

func TestCreateNewAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta_t-1.json")

	s := NewStore(path, "t-1", observability.NopLogger())
	require.NoError(t, s.CreateNew(map[string]any{"topic": "coffee"}))
	assert.Equal(t, 1, s.StepID())

	// A second store on the same path loads instead of overwriting.
	s2 := NewStore(path, "t-1", observability.NopLogger())
	require.NoError(t, s2.CreateNew(map[string]any{"topic": "tea"}))
	v, ok := s2.Get("topic")
	require.True(t, ok)
	assert.Equal(t, "coffee", v)
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Load())
}

func TestSaveUpdateOrAppend(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNew(nil))

	require.NoError(t, s.Save(map[string]any{"phase": "login"}, 0))
	require.NoError(t, s.Save(map[string]any{"result": "ok"}, 1))

	v, ok := s.Get("step.1.phase")
	require.True(t, ok)
	assert.Equal(t, "login", v)
	v, ok = s.Get("step.1.result")
	require.True(t, ok)
	assert.Equal(t, "ok", v)

	next, err := s.NextStep()
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	require.NoError(t, s.Save(map[string]any{"phase": "publish"}, 0))
	v, ok = s.Get("step.2.phase")
	require.True(t, ok)
	assert.Equal(t, "publish", v)

	// The first record is untouched.
	v, ok = s.Get("step.1.phase")
	require.True(t, ok)
	assert.Equal(t, "login", v)
}

func TestUpdateMetaAndGetPath(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNew(map[string]any{
		"profile": map[string]any{"name": "acct"},
	}))

	require.NoError(t, s.UpdateMeta(map[string]any{"mode": "standard"}))

	v, ok := s.Get("mode")
	require.True(t, ok)
	assert.Equal(t, "standard", v)

	v, ok = s.Get("profile.name")
	require.True(t, ok)
	assert.Equal(t, "acct", v)

	_, ok = s.Get("profile.missing")
	assert.False(t, ok)
	_, ok = s.Get("step.99.phase")
	assert.False(t, ok)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta_t-1.json")

	s := NewStore(path, "t-1", observability.NopLogger())
	require.NoError(t, s.CreateNew(map[string]any{"topic": "coffee"}))
	require.NoError(t, s.Save(map[string]any{"phase": "login"}, 0))
	_, err := s.NextStep()
	require.NoError(t, err)

	s2 := NewStore(path, "t-1", observability.NopLogger())
	require.NoError(t, s2.Load())
	assert.Equal(t, 2, s2.StepID())
	v, ok := s2.Get("step.1.phase")
	require.True(t, ok)
	assert.Equal(t, "login", v)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNew(nil))
	require.NoError(t, s.Remove())
	assert.Error(t, s.Load())
	// Removing twice is fine.
	require.NoError(t, s.Remove())
}
