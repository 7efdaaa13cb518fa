package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/col/core"
)

func newTestRegistry() *Registry {
	return New(time.Minute, &core.NoOpLogger{})
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	info, err := r.Register(ctx, "agent-1", "worker", []Capability{{Name: "summarize", Version: "1.0.0"}}, nil, []string{"gpu"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, info.Status)

	got, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "worker", got.AgentType)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, "agent-1", "worker", nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Register(ctx, "agent-1", "worker", nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAgentAlreadyExists)
}

func TestGetUnknownAgentFails(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Get("ghost")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestUnregisterRemovesFromIndices(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, "agent-1", "worker", []Capability{{Name: "summarize"}}, nil, []string{"gpu"})
	require.NoError(t, err)

	_, err = r.Unregister(ctx, "agent-1")
	require.NoError(t, err)

	assert.Empty(t, r.ByCapability("summarize"))
	assert.Empty(t, r.ByType("worker"))
	assert.Empty(t, r.ByTag("gpu"))

	_, err = r.Get("agent-1")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestUnregisterUnknownAgentFails(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Unregister(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestByCapabilityAndByTag(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "worker", []Capability{{Name: "summarize"}}, nil, []string{"fast"})
	require.NoError(t, err)
	_, err = r.Register(ctx, "a2", "worker", []Capability{{Name: "translate"}}, nil, []string{"fast"})
	require.NoError(t, err)

	assert.Len(t, r.ByCapability("summarize"), 1)
	assert.Len(t, r.ByTag("fast"), 2)
	assert.Len(t, r.ByType("worker"), 2)
}

func TestUpdateHeartbeatAndHealthy(t *testing.T) {
	r := New(10*time.Millisecond, &core.NoOpLogger{})
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "worker", nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, r.GetHealthy(), 1)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.GetHealthy())

	load := 0.4
	require.NoError(t, r.UpdateHeartbeat("a1", &load))
	assert.Len(t, r.GetHealthy(), 1)

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.LoadScore)
}

func TestUpdateHeartbeatClampsLoad(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, err := r.Register(ctx, "a1", "worker", nil, nil, nil)
	require.NoError(t, err)

	over := 3.5
	require.NoError(t, r.UpdateHeartbeat("a1", &over))
	got, _ := r.Get("a1")
	assert.Equal(t, 1.0, got.LoadScore)
}

func TestIncrementMessageCount(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, err := r.Register(ctx, "a1", "worker", nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.IncrementMessageCount("a1", false))
	require.NoError(t, r.IncrementMessageCount("a1", true))

	got, _ := r.Get("a1")
	assert.Equal(t, int64(2), got.MessageCount)
	assert.Equal(t, int64(1), got.ErrorCount)
}

func TestFindForRequirementOrdering(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, "low-priority", "worker", []Capability{{Name: "summarize", Version: "1.0.0", Priority: 1}}, nil, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "high-priority", "worker", []Capability{{Name: "summarize", Version: "1.0.0", Priority: 10}}, nil, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "preferred", "worker", []Capability{{Name: "summarize", Version: "1.0.0", Priority: 1}}, nil, nil)
	require.NoError(t, err)

	matches := r.FindForRequirement(Requirement{Name: "summarize", MinVersion: "1.0.0", PreferredAgents: []string{"preferred"}})
	require.Len(t, matches, 3)
	assert.Equal(t, "preferred", matches[0].AgentID)
	assert.Equal(t, "high-priority", matches[1].AgentID)
	assert.Equal(t, "low-priority", matches[2].AgentID)
}

func TestFindForRequirementVersionFilter(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, "old", "worker", []Capability{{Name: "summarize", Version: "0.9.0"}}, nil, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "new", "worker", []Capability{{Name: "summarize", Version: "1.2.0"}}, nil, nil)
	require.NoError(t, err)

	matches := r.FindForRequirement(Requirement{Name: "summarize", MinVersion: "1.0.0"})
	require.Len(t, matches, 1)
	assert.Equal(t, "new", matches[0].AgentID)
}

func TestFindForRequirementExcludesUnhealthy(t *testing.T) {
	r := New(10*time.Millisecond, &core.NoOpLogger{})
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "worker", []Capability{{Name: "summarize"}}, nil, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.FindForRequirement(Requirement{Name: "summarize"}))
}

func TestCleanupStaleAgents(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "worker", nil, nil, nil)
	require.NoError(t, err)

	r.mu.Lock()
	r.agents["a1"].LastHeartbeat = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	removed := r.CleanupStaleAgents(ctx, time.Minute)
	assert.Equal(t, []string{"a1"}, removed)
	assert.Empty(t, r.GetAll())
}

func TestSubscribeReceivesEvents(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	events := r.Subscribe()

	_, err := r.Register(ctx, "a1", "worker", nil, nil, nil)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "registered", ev.Type)
		assert.Equal(t, "a1", ev.Agent.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected a registration event")
	}

	_, err = r.Unregister(ctx, "a1")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "unregistered", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an unregistration event")
	}
}

func TestGetStats(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "worker", nil, nil, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "a2", "worker", nil, nil, nil)
	require.NoError(t, err)
	_, err = r.Unregister(ctx, "a2")
	require.NoError(t, err)

	stats := r.GetStats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Healthy)
	assert.EqualValues(t, 2, stats.Registrations)
	assert.EqualValues(t, 1, stats.Unregistrations)
}

func TestCapabilityMatchesRequiredMetadata(t *testing.T) {
	cap := Capability{Name: "summarize", Version: "1.0.0", Metadata: map[string]interface{}{"region": "us"}}

	assert.True(t, cap.Matches(Requirement{Name: "summarize", RequiredMetadata: map[string]interface{}{"region": "us"}}))
	assert.False(t, cap.Matches(Requirement{Name: "summarize", RequiredMetadata: map[string]interface{}{"region": "eu"}}))
}
