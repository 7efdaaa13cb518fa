package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/col/core"
)

// Event is fired to subscribers on registration lifecycle changes.
type Event struct {
	Type  string // "registered" | "unregistered"
	Agent Info
}

// Stats is a point-in-time snapshot of registry activity.
type Stats struct {
	Total       int
	Healthy     int
	ByStatus    map[string]int
	Registrations int64
	Unregistrations int64
	StaleSweeps int64
}

// Registry is the authoritative in-memory directory of agents. All public
// operations acquire a single lock, matching the resilience/token-economy
// locking discipline used elsewhere in this codebase: hold the lock for the
// full read-modify-write, never across I/O.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Info

	byCapability map[string]map[string]struct{}
	byType       map[string]map[string]struct{}
	byTag        map[string]map[string]struct{}

	heartbeatTimeout time.Duration
	logger           core.Logger

	subscribers []chan Event

	registrations   int64
	unregistrations int64
	staleSweeps     int64

	mirror Mirror
}

// Mirror is implemented by an optional external registry (e.g. Redis) kept
// in sync for visibility to tooling outside this process. The in-memory
// Registry stays authoritative; mirror errors are logged, never surfaced.
type Mirror interface {
	Register(ctx context.Context, info *Info) error
	UpdateHealth(ctx context.Context, id string, status AgentStatus) error
	Unregister(ctx context.Context, id string) error
}

// New creates an empty Registry.
func New(heartbeatTimeout time.Duration, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("col/registry")
	}
	return &Registry{
		agents:           make(map[string]*Info),
		byCapability:     make(map[string]map[string]struct{}),
		byType:           make(map[string]map[string]struct{}),
		byTag:            make(map[string]map[string]struct{}),
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
	}
}

// WithMirror attaches an optional external mirror (e.g. a RedisMirror).
func (r *Registry) WithMirror(m Mirror) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = m
	return r
}

// Register inserts a new agent. It fails with ErrAgentAlreadyExists if id is
// already present.
func (r *Registry) Register(ctx context.Context, id, agentType string, caps []Capability, metadata map[string]interface{}, tags []string) (*Info, error) {
	r.mu.Lock()

	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrAgentAlreadyExists, id)
	}

	now := time.Now()
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	info := &Info{
		AgentID:       id,
		AgentType:     agentType,
		Capabilities:  caps,
		Status:        StatusActive,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Metadata:      metadata,
		Tags:          tagSet,
		TagList:       tags,
	}
	r.agents[id] = info
	r.indexLocked(info)
	r.registrations++
	snapshot := *info

	r.mu.Unlock()

	r.publish(Event{Type: "registered", Agent: snapshot})
	r.logger.Info("agent registered", map[string]interface{}{"agent_id": id, "agent_type": agentType})

	if r.mirror != nil {
		if err := r.mirror.Register(ctx, &snapshot); err != nil {
			r.logger.Warn("mirror registration failed", map[string]interface{}{"agent_id": id, "error": err.Error()})
		}
	}

	return &snapshot, nil
}

func (r *Registry) indexLocked(info *Info) {
	for _, cap := range info.Capabilities {
		if r.byCapability[cap.Name] == nil {
			r.byCapability[cap.Name] = make(map[string]struct{})
		}
		r.byCapability[cap.Name][info.AgentID] = struct{}{}
	}
	if r.byType[info.AgentType] == nil {
		r.byType[info.AgentType] = make(map[string]struct{})
	}
	r.byType[info.AgentType][info.AgentID] = struct{}{}
	for tag := range info.Tags {
		if r.byTag[tag] == nil {
			r.byTag[tag] = make(map[string]struct{})
		}
		r.byTag[tag][info.AgentID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(info *Info) {
	for _, cap := range info.Capabilities {
		delete(r.byCapability[cap.Name], info.AgentID)
		if len(r.byCapability[cap.Name]) == 0 {
			delete(r.byCapability, cap.Name)
		}
	}
	delete(r.byType[info.AgentType], info.AgentID)
	if len(r.byType[info.AgentType]) == 0 {
		delete(r.byType, info.AgentType)
	}
	for tag := range info.Tags {
		delete(r.byTag[tag], info.AgentID)
		if len(r.byTag[tag]) == 0 {
			delete(r.byTag, tag)
		}
	}
}

// Unregister removes an agent from all indices.
func (r *Registry) Unregister(ctx context.Context, id string) (*Info, error) {
	r.mu.Lock()

	info, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}
	info.Status = StatusUnregistering
	r.unindexLocked(info)
	delete(r.agents, id)
	r.unregistrations++
	snapshot := *info

	r.mu.Unlock()

	r.publish(Event{Type: "unregistered", Agent: snapshot})
	r.logger.Info("agent unregistered", map[string]interface{}{"agent_id": id})

	if r.mirror != nil {
		if err := r.mirror.Unregister(ctx, id); err != nil {
			r.logger.Warn("mirror unregister failed", map[string]interface{}{"agent_id": id, "error": err.Error()})
		}
	}

	return &snapshot, nil
}

// UpdateStatus sets an agent's lifecycle status.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status AgentStatus) error {
	r.mu.Lock()
	info, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}
	info.Status = status
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.UpdateHealth(ctx, id, status); err != nil {
			r.logger.Warn("mirror health update failed", map[string]interface{}{"agent_id": id, "error": err.Error()})
		}
	}
	return nil
}

// UpdateHeartbeat refreshes an agent's last-heartbeat timestamp and,
// optionally, its load score (clamped to [0,1]).
func (r *Registry) UpdateHeartbeat(id string, load *float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}
	info.LastHeartbeat = time.Now()
	if load != nil {
		info.LoadScore = clampLoad(*load)
	}
	return nil
}

// IncrementMessageCount bumps an agent's message (and optionally error) tally.
func (r *Registry) IncrementMessageCount(id string, isError bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}
	info.MessageCount++
	if isError {
		info.ErrorCount++
	}
	return nil
}

// Get returns a copy of an agent's record.
func (r *Registry) Get(id string) (*Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}
	snapshot := *info
	return &snapshot, nil
}

// ByCapability returns all agents advertising the given capability name.
func (r *Registry) ByCapability(name string) []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byCapability[name])
}

// ByType returns all agents of the given type.
func (r *Registry) ByType(agentType string) []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byType[agentType])
}

// ByTag returns all agents carrying the given tag.
func (r *Registry) ByTag(tag string) []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byTag[tag])
}

func (r *Registry) collectLocked(ids map[string]struct{}) []*Info {
	out := make([]*Info, 0, len(ids))
	for id := range ids {
		if info, ok := r.agents[id]; ok {
			snapshot := *info
			out = append(out, &snapshot)
		}
	}
	return out
}

// GetAll returns every registered agent.
func (r *Registry) GetAll() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Info, 0, len(r.agents))
	for _, info := range r.agents {
		snapshot := *info
		out = append(out, &snapshot)
	}
	return out
}

// GetHealthy returns every agent currently considered healthy.
func (r *Registry) GetHealthy() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]*Info, 0, len(r.agents))
	for _, info := range r.agents {
		if info.Healthy(now, r.heartbeatTimeout) {
			snapshot := *info
			out = append(out, &snapshot)
		}
	}
	return out
}

// FindForRequirement returns healthy agents matching req, sorted by: (a)
// preferred agents first, (b) matching capability priority descending, (c)
// load_score ascending.
func (r *Registry) FindForRequirement(req Requirement) []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	preferred := make(map[string]struct{}, len(req.PreferredAgents))
	for _, id := range req.PreferredAgents {
		preferred[id] = struct{}{}
	}

	var matches []*Info
	var priority []int
	for id := range r.byCapability[req.Name] {
		info, ok := r.agents[id]
		if !ok || !info.Healthy(now, r.heartbeatTimeout) {
			continue
		}
		for _, cap := range info.Capabilities {
			if cap.Matches(req) {
				snapshot := *info
				matches = append(matches, &snapshot)
				priority = append(priority, cap.Priority)
				break
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		_, iPreferred := preferred[matches[i].AgentID]
		_, jPreferred := preferred[matches[j].AgentID]
		if iPreferred != jPreferred {
			return iPreferred
		}
		if priority[i] != priority[j] {
			return priority[i] > priority[j]
		}
		return matches[i].LoadScore < matches[j].LoadScore
	})

	return matches
}

// CleanupStaleAgents unregisters agents whose last heartbeat is older than
// maxAge. Returns the ids removed.
func (r *Registry) CleanupStaleAgents(ctx context.Context, maxAge time.Duration) []string {
	r.mu.RLock()
	now := time.Now()
	var stale []string
	for id, info := range r.agents {
		if now.Sub(info.LastHeartbeat) > maxAge {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		if _, err := r.Unregister(ctx, id); err != nil {
			r.logger.Warn("stale sweep unregister failed", map[string]interface{}{"agent_id": id, "error": err.Error()})
		}
	}

	r.mu.Lock()
	r.staleSweeps++
	r.mu.Unlock()

	if len(stale) > 0 {
		r.logger.Info("stale agent sweep", map[string]interface{}{"count": len(stale)})
	}
	return stale
}

// Subscribe returns a channel that receives registration lifecycle events.
// The channel is buffered; slow subscribers drop events rather than block
// registration/unregistration.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) publish(ev Event) {
	r.mu.RLock()
	subs := make([]chan Event, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// GetStats returns a snapshot of registry activity.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	byStatus := make(map[string]int)
	healthy := 0
	for _, info := range r.agents {
		byStatus[info.Status.String()]++
		if info.Healthy(now, r.heartbeatTimeout) {
			healthy++
		}
	}

	return Stats{
		Total:           len(r.agents),
		Healthy:         healthy,
		ByStatus:        byStatus,
		Registrations:   r.registrations,
		Unregistrations: r.unregistrations,
		StaleSweeps:     r.staleSweeps,
	}
}
