package checkpoint

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/col/core"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, DefaultPolicy(), &core.NoOpLogger{})
	require.NoError(t, err)
	return m
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t)
	state := map[string]interface{}{"foo": "bar", "n": float64(42)}

	cp, err := m.Create(state, "manual", "", nil)
	require.NoError(t, err)

	restored, err := m.Restore(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, state, restored)

	ok, err := m.VerifyOne(cp.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	a := map[string]interface{}{"b": 1.0, "a": 2.0, "nested": map[string]interface{}{"z": 1.0, "y": 2.0}}
	out1, err := canonicalJSON(a)
	require.NoError(t, err)
	out2, err := canonicalJSON(a)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
	assert.Equal(t, `{"a":2,"b":1,"nested":{"y":2,"z":1}}`, string(out1))
}

func TestCheckpointChainLinkage(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Create(map[string]interface{}{"v": float64(1)}, "manual", "", nil)
	require.NoError(t, err)
	b, err := m.Create(map[string]interface{}{"v": float64(2)}, "manual", "", nil)
	require.NoError(t, err)
	c, err := m.Create(map[string]interface{}{"v": float64(3)}, "manual", "", nil)
	require.NoError(t, err)

	chain, err := m.Chain(c.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, a.ID, chain[0].ID)
	assert.Equal(t, b.ID, chain[1].ID)
	assert.Equal(t, c.ID, chain[2].ID)
}

func TestCorruptedCheckpointFailsVerifyAndRestore(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Create(map[string]interface{}{"v": float64(1)}, "manual", "", nil)
	require.NoError(t, err)
	b, err := m.Create(map[string]interface{}{"v": float64(2)}, "manual", "", nil)
	require.NoError(t, err)
	c, err := m.Create(map[string]interface{}{"v": float64(3)}, "manual", "", nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(m.checkpointPath(b.ID))
	require.NoError(t, err)
	corrupted := []byte(strings.Replace(string(raw), `"v": 2`, `"v": 7`, 1))
	require.NoError(t, os.WriteFile(m.checkpointPath(b.ID), corrupted, 0o644))
	delete(m.cache, b.ID) // force reload from the corrupted file

	ok, err := m.VerifyOne(b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Restore(b.ID)
	assert.ErrorIs(t, err, core.ErrCheckpointCorrupt)

	_, err = m.Restore(a.ID)
	assert.NoError(t, err)
	_, err = m.Restore(c.ID)
	assert.NoError(t, err)
}

func TestDiffAddedRemovedModified(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Create(map[string]interface{}{"x": float64(1), "y": float64(2)}, "manual", "", nil)
	require.NoError(t, err)
	b, err := m.Create(map[string]interface{}{"x": float64(1), "y": float64(3), "z": float64(4)}, "manual", "", nil)
	require.NoError(t, err)

	diff, err := m.Diff(a.ID, b.ID)
	require.NoError(t, err)
	assert.Contains(t, diff.Added, "z")
	assert.Contains(t, diff.Modified, "y")
	assert.NotContains(t, diff.Removed, "x")
}

func TestEnforceCapacityKeepsMinimum(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultPolicy()
	policy.MaxCheckpoints = 3
	policy.KeepMinimum = 2
	m, err := New(dir, policy, &core.NoOpLogger{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := m.Create(map[string]interface{}{"i": float64(i)}, "manual", "", nil)
		require.NoError(t, err)
	}

	stats := m.Stats()
	assert.GreaterOrEqual(t, int(stats.Deleted), 1)
	assert.GreaterOrEqual(t, len(m.index), policy.KeepMinimum)
}

func TestGetUnknownCheckpointFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get("cp_ghost")
	assert.ErrorIs(t, err, core.ErrCheckpointNotFound)
}

func TestCompressRoundTrip(t *testing.T) {
	m := newTestManager(t)
	cp, err := m.Create(map[string]interface{}{"x": float64(1)}, "manual", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Compress(cp.ID))

	loaded, err := m.Get(cp.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Compressed)
	assert.Equal(t, cp.State, loaded.State)
}
