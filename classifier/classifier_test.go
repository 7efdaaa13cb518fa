package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySafeRead(t *testing.T) {
	c := New(nil)
	result := c.Classify(Call{QualifiedName: "read_file", Module: "fs", Args: []interface{}{"/tmp/a.txt"}})

	assert.Equal(t, SystemRead, result.RequestType)
	assert.LessOrEqual(t, result.RiskScore, 0.2)
}

func TestClassifyDangerousExec(t *testing.T) {
	c := New(nil)
	result := c.Classify(Call{QualifiedName: "exec", Module: "shell", Args: []interface{}{"rm -rf / --no-preserve-root"}})

	assert.Equal(t, SystemExec, result.RequestType)
	assert.Greater(t, result.RiskScore, 0.8)
}

func TestClassifyCacheHit(t *testing.T) {
	c := New(nil)
	call := Call{QualifiedName: "search_docs", Module: "search", Args: []interface{}{"hello"}}

	first := c.Classify(call)
	second := c.Classify(call)

	assert.Equal(t, first.RequestType, second.RequestType)
	assert.Len(t, second.Signatures, 2)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.CacheHits)
	assert.EqualValues(t, 1, stats.CacheMisses)
}

func TestClassifyCacheKeyIgnoresArgumentValues(t *testing.T) {
	c := New(nil)
	a := c.Classify(Call{QualifiedName: "search_docs", Module: "search", Args: []interface{}{"hello"}})
	b := c.Classify(Call{QualifiedName: "search_docs", Module: "search", Args: []interface{}{"different value, same type"}})

	require.Equal(t, a.Signatures[0], b.Signatures[len(b.Signatures)-1])
}

func TestRiskMonotonicWithMorePatterns(t *testing.T) {
	c := New(nil)
	low := c.Classify(Call{QualifiedName: "exec_task", Module: "shell", Args: []interface{}{"run task"}})
	high := c.Classify(Call{QualifiedName: "exec_task_v2", Module: "shell", Args: []interface{}{"sudo bash -c 'eval something'"}})

	assert.GreaterOrEqual(t, high.RiskScore, low.RiskScore)
}

func TestClassifyUnmatchedFallsBackToMetaUnknown(t *testing.T) {
	c := New(nil)
	result := c.Classify(Call{QualifiedName: "zzz_nothing_matches", Module: "nowhere"})
	assert.Equal(t, MetaUnknown, result.RequestType)
}

func TestRiskScoreClampedToOne(t *testing.T) {
	c := New(nil)
	result := c.Classify(Call{
		QualifiedName: "exec_shell",
		Module:        "shell",
		Args:          []interface{}{"sudo rm -rf --no-preserve-root / password secret token credential key private"},
		Source:        "eval(x); exec(y); http.Get(z); os.Remove(f)",
	})
	assert.LessOrEqual(t, result.RiskScore, 1.0)
}

func TestClearCacheResetsStats(t *testing.T) {
	c := New(nil)
	c.Classify(Call{QualifiedName: "read_file", Module: "fs"})
	c.ClearCache()

	stats := c.Stats()
	assert.Zero(t, stats.CacheHits)
	assert.Zero(t, stats.CacheMisses)
	assert.Zero(t, stats.CachedClassifications)
}
