// Package mesh implements higher-level communication patterns — direct,
// broadcast, multicast, request/reply, publish/subscribe, pipeline, gather,
// and scatter — atop a router.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/col/core"
	"github.com/itsneelabh/col/router"
)

// Subscription is one subscriber's registration on a topic.
type Subscription struct {
	SubscriberID string
	Topic        string
	Filter       func(content interface{}) bool
}

// Stage is one step of a Pipeline.
type Stage struct {
	AgentID   string
	TimeoutMS int64
	Condition func(content interface{}) bool
	Transform func(content interface{}) interface{}
}

// Pipeline is a named, ordered sequence of Stages.
type Pipeline struct {
	ID     string
	Stages []Stage
}

// Mesh wraps a Router with group membership, pub/sub subscriptions,
// pipelines, and pending request/reply futures.
type Mesh struct {
	rt     *router.Router
	logger core.Logger

	groupsMu sync.RWMutex
	groups   map[string]map[string]struct{} // group -> set of agent ids

	subsMu sync.RWMutex
	subs   []Subscription

	pipelinesMu sync.RWMutex
	pipelines   map[string]Pipeline

	pendingMu sync.Mutex
	pending   map[string]chan router.Message // message_id -> reply channel
}

// New creates a Mesh atop rt.
func New(rt *router.Router, logger core.Logger) *Mesh {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("col/mesh")
	}
	return &Mesh{
		rt:        rt,
		logger:    logger,
		groups:    make(map[string]map[string]struct{}),
		subs:      nil,
		pipelines: make(map[string]Pipeline),
		pending:   make(map[string]chan router.Message),
	}
}

// JoinGroup adds agentID to group, creating the group if absent.
func (m *Mesh) JoinGroup(group, agentID string) {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	if m.groups[group] == nil {
		m.groups[group] = make(map[string]struct{})
	}
	m.groups[group][agentID] = struct{}{}
}

// LeaveGroup removes agentID from group.
func (m *Mesh) LeaveGroup(group, agentID string) {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	if members, ok := m.groups[group]; ok {
		delete(members, agentID)
	}
}

func (m *Mesh) groupMembers(group string) []string {
	m.groupsMu.RLock()
	defer m.groupsMu.RUnlock()
	members := m.groups[group]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Direct routes msg once per target.
func (m *Mesh) Direct(msg router.Message, target string) router.Result {
	msg.PreferredAgents = []string{target}
	strategy := router.LeastLoaded
	return m.rt.Route(msg, &strategy)
}

// Broadcast routes msg with the BROADCAST strategy.
func (m *Mesh) Broadcast(msg router.Message) router.Result {
	strategy := router.Broadcast
	return m.rt.Route(msg, &strategy)
}

// Multicast routes msg once per member of each named group in targets.
func (m *Mesh) Multicast(msg router.Message, groups []string) []router.Result {
	var results []router.Result
	for _, group := range groups {
		for _, member := range m.groupMembers(group) {
			results = append(results, m.Direct(msg, member))
		}
	}
	return results
}

// RegisterPipeline stores a named pipeline definition.
func (m *Mesh) RegisterPipeline(p Pipeline) {
	m.pipelinesMu.Lock()
	defer m.pipelinesMu.Unlock()
	m.pipelines[p.ID] = p
}

// Subscribe registers sub on its topic.
func (m *Mesh) Subscribe(sub Subscription) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs = append(m.subs, sub)
}

// PublishSubscribe routes msg to every subscriber on topic whose filter (if
// any) accepts msg.Content.
func (m *Mesh) PublishSubscribe(msg router.Message, topic string) []router.Result {
	m.subsMu.RLock()
	var matching []Subscription
	for _, sub := range m.subs {
		if sub.Topic != topic {
			continue
		}
		if sub.Filter != nil && !sub.Filter(msg.Content) {
			continue
		}
		matching = append(matching, sub)
	}
	m.subsMu.RUnlock()

	results := make([]router.Result, 0, len(matching))
	for _, sub := range matching {
		results = append(results, m.Direct(msg, sub.SubscriberID))
	}
	return results
}

// RequestReply routes msg to each target, registers a pending-reply future
// per target keyed on the routed message_id, and awaits each up to
// timeoutMS. HandleReply completes a pending future from outside.
func (m *Mesh) RequestReply(ctx context.Context, msg router.Message, targets []string, timeoutMS int64) (map[string]router.Message, error) {
	replies := make(map[string]router.Message, len(targets))
	for _, target := range targets {
		outgoing := msg
		outgoing.MessageID = newCorrelatedID(msg.MessageID, target)
		ch := m.registerPending(outgoing.MessageID)

		result := m.Direct(outgoing, target)
		if !result.Success {
			m.clearPending(outgoing.MessageID)
			return replies, fmt.Errorf("mesh: request to %s failed: %w", target, result.Error)
		}

		select {
		case reply := <-ch:
			replies[target] = reply
		case <-time.After(time.Duration(timeoutMS) * time.Millisecond):
			m.clearPending(outgoing.MessageID)
			return replies, core.ErrRequestReplyTimeout
		case <-ctx.Done():
			m.clearPending(outgoing.MessageID)
			return replies, ctx.Err()
		}
	}
	return replies, nil
}

func newCorrelatedID(base, target string) string {
	return base + ":" + target
}

func (m *Mesh) registerPending(messageID string) chan router.Message {
	ch := make(chan router.Message, 1)
	m.pendingMu.Lock()
	m.pending[messageID] = ch
	m.pendingMu.Unlock()
	return ch
}

func (m *Mesh) clearPending(messageID string) {
	m.pendingMu.Lock()
	delete(m.pending, messageID)
	m.pendingMu.Unlock()
}

// HandleReply completes the pending request/reply future correlated to
// reply.CorrelationID, if one is outstanding.
func (m *Mesh) HandleReply(reply router.Message) bool {
	m.pendingMu.Lock()
	ch, ok := m.pending[reply.CorrelationID]
	if ok {
		delete(m.pending, reply.CorrelationID)
	}
	m.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}

// RunPipeline looks up pipelineID, runs its stages in order against content,
// skipping stages whose Condition returns false, and request-replies to
// each remaining stage's agent.
func (m *Mesh) RunPipeline(ctx context.Context, pipelineID string, content interface{}, errorHandler func(stage Stage, err error)) (interface{}, error) {
	m.pipelinesMu.RLock()
	pipeline, ok := m.pipelines[pipelineID]
	m.pipelinesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mesh: no pipeline registered with id %s", pipelineID)
	}

	current := content
	for _, stage := range pipeline.Stages {
		if stage.Condition != nil && !stage.Condition(current) {
			continue
		}
		if stage.Transform != nil {
			current = stage.Transform(current)
		}

		msg := router.Message{MessageID: newMessageID(pipelineID, stage.AgentID), Content: current}
		replies, err := m.RequestReply(ctx, msg, []string{stage.AgentID}, stage.TimeoutMS)
		reply, hasReply := replies[stage.AgentID]
		if err != nil || !hasReply {
			if errorHandler != nil {
				errorHandler(stage, err)
			}
			return nil, fmt.Errorf("mesh: pipeline %s stage %s failed: %w", pipelineID, stage.AgentID, err)
		}
		current = reply.Content
	}
	return current, nil
}

func newMessageID(pipelineID, agentID string) string {
	return fmt.Sprintf("pipe_%s_%s_%d", pipelineID, agentID, time.Now().UnixNano())
}

// Gather routes msg to every target concurrently and collects all results.
func (m *Mesh) Gather(msg router.Message, targets []string) []router.Result {
	results := make([]router.Result, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			results[i] = m.Direct(msg, target)
		}(i, target)
	}
	wg.Wait()
	return results
}

// Scatter assigns a list payload to targets round-robin and routes each
// item individually.
func (m *Mesh) Scatter(msg router.Message, items []interface{}, targets []string) []router.Result {
	if len(targets) == 0 {
		return nil
	}
	results := make([]router.Result, len(items))
	for i, item := range items {
		target := targets[i%len(targets)]
		itemMsg := msg
		itemMsg.Content = item
		itemMsg.MessageID = fmt.Sprintf("%s_%d", msg.MessageID, i)
		results[i] = m.Direct(itemMsg, target)
	}
	return results
}
