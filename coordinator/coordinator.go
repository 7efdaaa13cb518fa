// Package coordinator is the public facade owning the registry, session
// manager, router, and mesh, with background health/cleanup/metrics workers.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/col/core"
	"github.com/itsneelabh/col/mesh"
	"github.com/itsneelabh/col/registry"
	"github.com/itsneelabh/col/router"
	"github.com/itsneelabh/col/session"
)

// HealthStatus is the coarse system-health classification derived from the
// fraction of healthy agents.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Degraded HealthStatus = "degraded"
	Critical HealthStatus = "critical"
)

// Health summarizes the coordinator's view of the agent population.
type Health struct {
	Status       HealthStatus
	HealthyRatio float64
	Total        int
	HealthyCount int
}

// Config tunes background worker cadence and session bounds.
type Config struct {
	HeartbeatTimeout    time.Duration
	HealthCheckInterval time.Duration
	StaleAgentTimeout   time.Duration
	MetricsInterval     time.Duration
	SessionConfig       session.Config
	ShutdownTimeout     time.Duration
}

// DefaultConfig matches the reference cadences: health 10s, cleanup 120s,
// metrics 60s.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:    core.DefaultHeartbeatTimeout,
		HealthCheckInterval: 10 * time.Second,
		StaleAgentTimeout:   core.DefaultStaleAgentTimeout,
		MetricsInterval:     60 * time.Second,
		SessionConfig:       session.DefaultConfig(),
		ShutdownTimeout:     5 * time.Second,
	}
}

// Coordinator is the unified entry point for agent registration, messaging,
// and routing across the registry/session/router/mesh stack.
type Coordinator struct {
	config Config
	logger core.Logger

	Registry *registry.Registry
	Sessions *session.Manager
	Router   *router.Router
	Mesh     *mesh.Mesh

	metricsMu      sync.Mutex
	routingTimesMS []int64
	lastStats      Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Stats is the last computed system snapshot, refreshed by the metrics
// loop.
type Stats struct {
	Registry        registry.Stats
	AvgRoutingTimeMS float64
	ComputedAt      time.Time
}

// New wires a Coordinator: registry -> router -> mesh, with the router's
// delivery callback routed into each target's session inbox.
func New(config Config, logger core.Logger) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("col/coordinator")
	}

	reg := registry.New(config.HeartbeatTimeout, logger)
	sessions := session.NewManager(config.SessionConfig, logger)

	c := &Coordinator{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	deliver := func(target string, msg router.Message) error {
		sess := sessions.Get(target)
		if sess == nil {
			return fmt.Errorf("coordinator: no session for agent %s", target)
		}
		ok := sess.Receive(session.Message{
			MessageID:     msg.MessageID,
			SessionID:     sess.ID,
			Source:        msg.Source,
			Target:        target,
			Content:       msg.Content,
			MessageType:   msg.MessageType,
			Timestamp:     msg.Timestamp,
			Metadata:      msg.Metadata,
			CorrelationID: msg.CorrelationID,
		})
		if !ok {
			return fmt.Errorf("coordinator: session inbox full for agent %s", target)
		}
		reg.IncrementMessageCount(target, false)
		return nil
	}

	rt := router.New(reg, deliver, logger, nil)
	m := mesh.New(rt, logger)

	c.Registry = reg
	c.Sessions = sessions
	c.Router = rt
	c.Mesh = m
	return c
}

// RegisterAgent registers an agent and creates its session in one step.
func (c *Coordinator) RegisterAgent(ctx context.Context, agentID, agentType string, caps []registry.Capability, metadata map[string]interface{}, tags []string) (*registry.Info, error) {
	info, err := c.Registry.Register(ctx, agentID, agentType, caps, metadata, tags)
	if err != nil {
		return nil, err
	}
	c.Sessions.GetOrCreate(agentID)
	return info, nil
}

// UnregisterAgent removes an agent from the registry and shuts down its
// session.
func (c *Coordinator) UnregisterAgent(ctx context.Context, agentID string) error {
	if _, err := c.Registry.Unregister(ctx, agentID); err != nil {
		return err
	}
	return c.Sessions.Remove(agentID, c.config.ShutdownTimeout)
}

// SendMessage routes a direct message to target via the mesh.
func (c *Coordinator) SendMessage(source, target string, content interface{}, messageType string) router.Result {
	start := time.Now()
	result := c.Mesh.Direct(router.Message{
		MessageID:   fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Source:      source,
		Content:     content,
		MessageType: messageType,
		Timestamp:   time.Now(),
	}, target)
	c.recordRoutingTime(time.Since(start).Milliseconds())
	return result
}

// RouteByCapability routes content to the agent(s) best matching req.
func (c *Coordinator) RouteByCapability(source string, content interface{}, req registry.Requirement) router.Result {
	start := time.Now()
	result := c.Router.Route(router.Message{
		MessageID:             fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Source:                source,
		Content:               content,
		CapabilityRequirement: &req,
		Timestamp:             time.Now(),
	}, nil)
	c.recordRoutingTime(time.Since(start).Milliseconds())
	return result
}

// Broadcast routes content to every healthy agent.
func (c *Coordinator) Broadcast(source string, content interface{}) router.Result {
	return c.Mesh.Broadcast(router.Message{
		MessageID: fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Source:    source,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// RequestReply delegates to the mesh's request/reply pattern.
func (c *Coordinator) RequestReply(ctx context.Context, source string, content interface{}, targets []string, timeoutMS int64) (map[string]session.Message, error) {
	replies, err := c.Mesh.RequestReply(ctx, router.Message{
		MessageID: fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Source:    source,
		Content:   content,
		Timestamp: time.Now(),
	}, targets, timeoutMS)

	out := make(map[string]session.Message, len(replies))
	for target, reply := range replies {
		out[target] = session.Message{
			MessageID:     reply.MessageID,
			Source:        reply.Source,
			Target:        target,
			Content:       reply.Content,
			CorrelationID: reply.CorrelationID,
		}
	}
	return out, err
}

// Publish delegates to the mesh's publish/subscribe pattern.
func (c *Coordinator) Publish(source string, topic string, content interface{}) []router.Result {
	return c.Mesh.PublishSubscribe(router.Message{
		MessageID: fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Source:    source,
		Content:   content,
		Timestamp: time.Now(),
	}, topic)
}

// Subscribe registers sub on the mesh.
func (c *Coordinator) Subscribe(sub mesh.Subscription) {
	c.Mesh.Subscribe(sub)
}

// JoinGroup adds agentID to group.
func (c *Coordinator) JoinGroup(group, agentID string) {
	c.Mesh.JoinGroup(group, agentID)
}

// FindAgents returns the healthy agents matching req.
func (c *Coordinator) FindAgents(req registry.Requirement) []*registry.Info {
	return c.Registry.FindForRequirement(req)
}

// GetStats returns the most recently computed system snapshot.
func (c *Coordinator) GetStats() Stats {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.lastStats
}

// GetHealth classifies the current agent population.
func (c *Coordinator) GetHealth() Health {
	stats := c.Registry.GetStats()
	if stats.Total == 0 {
		return Health{Status: Healthy, HealthyRatio: 1, Total: 0, HealthyCount: 0}
	}
	ratio := float64(stats.Healthy) / float64(stats.Total)

	status := Critical
	switch {
	case ratio >= 0.8:
		status = Healthy
	case ratio >= 0.5:
		status = Degraded
	}
	return Health{Status: status, HealthyRatio: ratio, Total: stats.Total, HealthyCount: stats.Healthy}
}

func (c *Coordinator) recordRoutingTime(ms int64) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	c.routingTimesMS = append(c.routingTimesMS, ms)
}

// Start launches the health, cleanup, and metrics background loops.
func (c *Coordinator) Start() {
	c.wg.Add(3)
	go c.healthLoop()
	go c.cleanupLoop()
	go c.metricsLoop()
}

func (c *Coordinator) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, info := range c.Registry.GetAll() {
				if !info.Healthy(time.Now(), c.config.HeartbeatTimeout) {
					c.logger.Warn("agent_unhealthy", map[string]interface{}{"agent_id": info.AgentID})
				}
			}
		}
	}
}

func (c *Coordinator) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.StaleAgentTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			removed := c.Registry.CleanupStaleAgents(context.Background(), c.config.StaleAgentTimeout)
			if len(removed) > 0 {
				c.logger.Info("agents_cleaned_up", map[string]interface{}{"count": len(removed), "agents": removed})
			}
		}
	}
}

func (c *Coordinator) metricsLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refreshStats()
		}
	}
}

func (c *Coordinator) refreshStats() {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	var avg float64
	if len(c.routingTimesMS) > 0 {
		var sum int64
		for _, ms := range c.routingTimesMS {
			sum += ms
		}
		avg = float64(sum) / float64(len(c.routingTimesMS))
	}
	c.routingTimesMS = nil

	c.lastStats = Stats{
		Registry:         c.Registry.GetStats(),
		AvgRoutingTimeMS: avg,
		ComputedAt:       time.Now(),
	}
}

// Shutdown cancels all background workers within timeout and destroys every
// session.
func (c *Coordinator) Shutdown(timeout time.Duration) {
	c.once.Do(func() {
		close(c.stopCh)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			c.logger.Warn("coordinator shutdown timed out waiting for background workers", nil)
		}

		c.Sessions.ShutdownAll(timeout)
		c.logger.Info("coordinator_stopped", nil)
	})
}
