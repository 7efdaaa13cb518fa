package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/col/core"
	"github.com/itsneelabh/col/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(time.Minute, &core.NoOpLogger{})
}

func registerAgent(t *testing.T, reg *registry.Registry, id string, load float64, caps ...registry.Capability) *registry.Info {
	t.Helper()
	info, err := reg.Register(context.Background(), id, "worker", caps, nil, nil)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateHeartbeat(id, &load))
	return info
}

func collectingDelivery() (DeliveryFunc, func() []string) {
	var mu sync.Mutex
	var delivered []string
	fn := func(target string, msg Message) error {
		mu.Lock()
		delivered = append(delivered, target)
		mu.Unlock()
		return nil
	}
	return fn, func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(delivered))
		copy(out, delivered)
		return out
	}
}

func TestRouteLeastLoadedPicksLowestLoad(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.8)
	registerAgent(t, reg, "a2", 0.1)
	registerAgent(t, reg, "a3", 0.5)

	deliver, delivered := collectingDelivery()
	rt := New(reg, deliver, nil, nil)

	result := rt.Route(Message{MessageID: "m1"}, nil)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"a2"}, result.TargetAgents)
	assert.Equal(t, []string{"a2"}, delivered())
}

func TestRouteBroadcastHitsAllCandidates(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.1)
	registerAgent(t, reg, "a2", 0.2)

	deliver, delivered := collectingDelivery()
	rt := New(reg, deliver, nil, nil)
	strategy := Broadcast

	result := rt.Route(Message{MessageID: "m1"}, &strategy)
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"a1", "a2"}, delivered())
}

func TestRouteStickyReusesPriorTarget(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.9)
	registerAgent(t, reg, "a2", 0.1)

	deliver, _ := collectingDelivery()
	rt := New(reg, deliver, nil, nil)
	strategy := Sticky

	first := rt.Route(Message{MessageID: "m1", Source: "caller"}, &strategy)
	require.True(t, first.Success)
	firstTarget := first.TargetAgents[0]

	second := rt.Route(Message{MessageID: "m2", Source: "caller"}, &strategy)
	require.True(t, second.Success)
	assert.Equal(t, firstTarget, second.TargetAgents[0])
}

func TestRouteRoundRobinCyclesCandidates(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.1)
	registerAgent(t, reg, "a2", 0.1)

	deliver, _ := collectingDelivery()
	rt := New(reg, deliver, nil, nil)
	strategy := RoundRobin

	var seen []string
	for i := 0; i < 4; i++ {
		result := rt.Route(Message{MessageID: "m"}, &strategy)
		require.True(t, result.Success)
		seen = append(seen, result.TargetAgents[0])
	}
	assert.Equal(t, []string{"a1", "a2", "a1", "a2"}, seen)
}

func TestRouteCapabilityRequirementFiltersCandidates(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "nlp-agent", 0.2, registry.Capability{Name: "nlp", Version: "1.0.0", Priority: 5})
	registerAgent(t, reg, "other-agent", 0.1, registry.Capability{Name: "vision", Version: "1.0.0", Priority: 5})

	deliver, delivered := collectingDelivery()
	rt := New(reg, deliver, nil, nil)

	req := registry.Requirement{Name: "nlp"}
	result := rt.Route(Message{MessageID: "m1", CapabilityRequirement: &req}, nil)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"nlp-agent"}, delivered())
}

func TestRouteExcludesExcludedAgents(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.1)
	registerAgent(t, reg, "a2", 0.2)

	deliver, _ := collectingDelivery()
	rt := New(reg, deliver, nil, nil)

	result := rt.Route(Message{MessageID: "m1", ExcludedAgents: []string{"a1"}}, nil)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"a2"}, result.TargetAgents)
}

func TestRouteFailsWhenNoHealthyCandidates(t *testing.T) {
	reg := newTestRegistry(t)
	deliver, _ := collectingDelivery()
	rt := New(reg, deliver, nil, nil)

	result := rt.Route(Message{MessageID: "m1"}, nil)
	assert.False(t, result.Success)
	assert.Error(t, result.Error)
}

func TestRouteExpiredMessageFailsWithTTLError(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.1)
	deliver, _ := collectingDelivery()
	rt := New(reg, deliver, nil, nil)

	msg := Message{MessageID: "m1", TTL: 2, RoutingHistory: []string{"a1", "a1"}}
	result := rt.Route(msg, nil)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, ErrMessageExpired)
}

func TestAddRuleOverridesDefaultStrategy(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.9)
	registerAgent(t, reg, "a2", 0.1)

	deliver, delivered := collectingDelivery()
	rt := New(reg, deliver, nil, nil)
	rt.AddRule(Rule{
		Name:     "broadcast-all",
		Priority: 10,
		Match:    func(m Message) bool { return m.MessageType == "alert" },
		Strategy: Broadcast,
	})

	result := rt.Route(Message{MessageID: "m1", MessageType: "alert"}, nil)
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"a1", "a2"}, delivered())
}

func TestMiddlewareObservesResultWithoutAlteringIt(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.1)
	deliver, _ := collectingDelivery()
	rt := New(reg, deliver, nil, nil)

	var observed Result
	rt.AddMiddleware(func(msg Message, result Result) { observed = result })

	result := rt.Route(Message{MessageID: "m1"}, nil)
	assert.Equal(t, result.Success, observed.Success)
	assert.Equal(t, result.MessageID, observed.MessageID)
}

func TestDeliveryFailureOpensCircuitAfterThreshold(t *testing.T) {
	reg := newTestRegistry(t)
	registerAgent(t, reg, "a1", 0.1)

	var calls int
	var mu sync.Mutex
	deliver := func(target string, msg Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return assertErr
	}
	rt := New(reg, deliver, nil, nil)

	for i := 0; i < 20; i++ {
		rt.Route(Message{MessageID: "m"}, nil)
	}

	mu.Lock()
	made := calls
	mu.Unlock()
	assert.Less(t, made, 20, "circuit breaker should have started rejecting before all 20 attempts reached the delivery function")
}

type errString string

func (e errString) Error() string { return string(e) }

var assertErr = errString("delivery failed")
