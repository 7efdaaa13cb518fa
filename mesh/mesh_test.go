package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/col/core"
	"github.com/itsneelabh/col/registry"
	"github.com/itsneelabh/col/router"
)

func newTestMesh(t *testing.T, deliver router.DeliveryFunc, agents ...string) (*Mesh, *registry.Registry) {
	t.Helper()
	reg := registry.New(time.Minute, &core.NoOpLogger{})
	load := 0.1
	for _, id := range agents {
		_, err := reg.Register(context.Background(), id, "worker", nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, reg.UpdateHeartbeat(id, &load))
	}
	rt := router.New(reg, deliver, nil, nil)
	return New(rt, nil), reg
}

func recordingDelivery() (router.DeliveryFunc, func() []string) {
	var mu sync.Mutex
	var targets []string
	fn := func(target string, msg router.Message) error {
		mu.Lock()
		targets = append(targets, target)
		mu.Unlock()
		return nil
	}
	return fn, func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(targets))
		copy(out, targets)
		return out
	}
}

func TestDirectRoutesToSpecificTarget(t *testing.T) {
	deliver, delivered := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "a1", "a2")

	result := m.Direct(router.Message{MessageID: "m1"}, "a2")
	assert.True(t, result.Success)
	assert.Equal(t, []string{"a2"}, delivered())
}

func TestBroadcastHitsAllAgents(t *testing.T) {
	deliver, delivered := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "a1", "a2", "a3")

	result := m.Broadcast(router.Message{MessageID: "m1"})
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, delivered())
}

func TestMulticastRoutesToGroupMembersOnly(t *testing.T) {
	deliver, delivered := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "a1", "a2", "a3")

	m.JoinGroup("team-a", "a1")
	m.JoinGroup("team-a", "a2")

	results := m.Multicast(router.Message{MessageID: "m1"}, []string{"team-a"})
	assert.Len(t, results, 2)
	assert.ElementsMatch(t, []string{"a1", "a2"}, delivered())
}

func TestLeaveGroupRemovesMember(t *testing.T) {
	deliver, delivered := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "a1", "a2")

	m.JoinGroup("team-a", "a1")
	m.JoinGroup("team-a", "a2")
	m.LeaveGroup("team-a", "a2")

	results := m.Multicast(router.Message{MessageID: "m1"}, []string{"team-a"})
	assert.Len(t, results, 1)
	assert.Equal(t, []string{"a1"}, delivered())
}

func TestPublishSubscribeDeliversToMatchingFilterOnly(t *testing.T) {
	deliver, delivered := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "sub1", "sub2")

	m.Subscribe(Subscription{SubscriberID: "sub1", Topic: "events"})
	m.Subscribe(Subscription{
		SubscriberID: "sub2",
		Topic:        "events",
		Filter:       func(content interface{}) bool { return content == "important" },
	})

	results := m.PublishSubscribe(router.Message{MessageID: "m1", Content: "routine"}, "events")
	assert.Len(t, results, 1)
	assert.Equal(t, []string{"sub1"}, delivered())
}

func TestRequestReplyCompletesViaHandleReply(t *testing.T) {
	var m *Mesh
	deliver := func(target string, msg router.Message) error {
		go m.HandleReply(router.Message{CorrelationID: msg.MessageID, Content: "pong"})
		return nil
	}
	m, _ = newTestMesh(t, deliver, "a1")

	replies, err := m.RequestReply(context.Background(), router.Message{MessageID: "ping"}, []string{"a1"}, 1000)
	require.NoError(t, err)
	require.Contains(t, replies, "a1")
	assert.Equal(t, "pong", replies["a1"].Content)
}

func TestRequestReplyTimesOutWithoutHandleReply(t *testing.T) {
	deliver, _ := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "a1")

	_, err := m.RequestReply(context.Background(), router.Message{MessageID: "ping"}, []string{"a1"}, 20)
	assert.ErrorIs(t, err, core.ErrRequestReplyTimeout)
}

func TestGatherCollectsAllResultsConcurrently(t *testing.T) {
	deliver, _ := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "a1", "a2", "a3")

	results := m.Gather(router.Message{MessageID: "m1"}, []string{"a1", "a2", "a3"})
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestScatterAssignsItemsRoundRobin(t *testing.T) {
	deliver, delivered := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "a1", "a2")

	items := []interface{}{"i1", "i2", "i3", "i4"}
	results := m.Scatter(router.Message{MessageID: "batch"}, items, []string{"a1", "a2"})

	require.Len(t, results, 4)
	assert.Equal(t, []string{"a1", "a2", "a1", "a2"}, delivered())
}

func TestRunPipelineAppliesStagesInOrder(t *testing.T) {
	var m *Mesh
	echoDeliver := func(target string, msg router.Message) error {
		go func() {
			content, _ := msg.Content.(string)
			m.HandleReply(router.Message{CorrelationID: msg.MessageID, Content: content + ":" + target})
		}()
		return nil
	}
	m, _ = newTestMesh(t, echoDeliver, "stage1", "stage2")

	m.RegisterPipeline(Pipeline{
		ID: "enrich",
		Stages: []Stage{
			{AgentID: "stage1", TimeoutMS: 200},
			{AgentID: "stage2", TimeoutMS: 200},
		},
	})

	result, err := m.RunPipeline(context.Background(), "enrich", "payload", nil)
	require.NoError(t, err)
	assert.Equal(t, "payload:stage1:stage2", result)
}

func TestRunPipelineSkipsStageWhenConditionFalse(t *testing.T) {
	var m *Mesh
	echoDeliver := func(target string, msg router.Message) error {
		go func() {
			content, _ := msg.Content.(string)
			m.HandleReply(router.Message{CorrelationID: msg.MessageID, Content: content + ":" + target})
		}()
		return nil
	}
	m, _ = newTestMesh(t, echoDeliver, "stage1", "stage2")

	m.RegisterPipeline(Pipeline{
		ID: "conditional",
		Stages: []Stage{
			{AgentID: "stage1", TimeoutMS: 200, Condition: func(interface{}) bool { return false }},
			{AgentID: "stage2", TimeoutMS: 200},
		},
	})

	result, err := m.RunPipeline(context.Background(), "conditional", "payload", nil)
	require.NoError(t, err)
	assert.Equal(t, "payload:stage2", result)
}

func TestRunPipelineUnknownIDFails(t *testing.T) {
	deliver, _ := recordingDelivery()
	m, _ := newTestMesh(t, deliver, "stage1")

	_, err := m.RunPipeline(context.Background(), "nonexistent", "payload", nil)
	assert.Error(t, err)
}
