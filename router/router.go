package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/col/core"
	"github.com/itsneelabh/col/registry"
	"github.com/itsneelabh/col/resilience"
)

// ErrMessageExpired is returned when a message's hop budget is exhausted.
var ErrMessageExpired = errors.New("router: message TTL exceeded")

// Router resolves candidates from the registry, picks targets by strategy,
// and delivers through a per-agent circuit breaker.
type Router struct {
	reg       *registry.Registry
	deliver   DeliveryFunc
	logger    core.Logger
	telemetry core.Telemetry

	mu    sync.Mutex
	rules []Rule

	stickyMu sync.Mutex
	sticky   map[string]string // source -> last target

	rrMu      sync.Mutex
	rrCounter map[string]int // requirement name -> round robin counter

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
	retry      *resilience.RetryConfig

	middlewareMu sync.Mutex
	middleware   []Middleware
}

// New creates a Router bound to reg. deliver is invoked once per selected
// target and is typically supplied by the coordinator, routing into the
// target's session inbox.
func New(reg *registry.Registry, deliver DeliveryFunc, logger core.Logger, telemetry core.Telemetry) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("col/router")
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Router{
		reg:       reg,
		deliver:   deliver,
		logger:    logger,
		telemetry: telemetry,
		sticky:    make(map[string]string),
		rrCounter: make(map[string]int),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		retry:     resilience.DefaultRetryConfig(),
	}
}

// AddRule registers a strategy-override rule. Rules are consulted in
// descending Priority order; the first match wins.
func (rt *Router) AddRule(r Rule) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.rules = append(rt.rules, r)
	sort.SliceStable(rt.rules, func(i, j int) bool { return rt.rules[i].Priority > rt.rules[j].Priority })
}

// AddMiddleware registers a post-route observer.
func (rt *Router) AddMiddleware(mw Middleware) {
	rt.middlewareMu.Lock()
	defer rt.middlewareMu.Unlock()
	rt.middleware = append(rt.middleware, mw)
}

func (rt *Router) candidates(msg Message) []*registry.Info {
	var pool []*registry.Info
	switch {
	case msg.CapabilityRequirement != nil:
		pool = rt.reg.FindForRequirement(*msg.CapabilityRequirement)
	case len(msg.PreferredAgents) > 0:
		healthy := rt.reg.GetHealthy()
		wanted := make(map[string]struct{}, len(msg.PreferredAgents))
		for _, id := range msg.PreferredAgents {
			wanted[id] = struct{}{}
		}
		for _, info := range healthy {
			if _, ok := wanted[info.AgentID]; ok {
				pool = append(pool, info)
			}
		}
	default:
		pool = rt.reg.GetHealthy()
	}

	if len(msg.ExcludedAgents) == 0 {
		return pool
	}
	excluded := make(map[string]struct{}, len(msg.ExcludedAgents))
	for _, id := range msg.ExcludedAgents {
		excluded[id] = struct{}{}
	}
	filtered := pool[:0]
	for _, info := range pool {
		if _, ok := excluded[info.AgentID]; !ok {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

func (rt *Router) strategyFor(msg Message, explicit *Strategy) Strategy {
	if explicit != nil {
		return *explicit
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, r := range rt.rules {
		if r.Match != nil && r.Match(msg) {
			return r.Strategy
		}
	}
	return LeastLoaded
}

// Route resolves candidates and delivers msg to targets selected by
// strategy (or the explicit override, if non-nil).
func (rt *Router) Route(msg Message, explicit *Strategy) Result {
	start := time.Now()
	_, span := rt.telemetry.StartSpan(context.Background(), "col.router.route")
	defer span.End()

	if msg.Expired() {
		return Result{Success: false, MessageID: msg.MessageID, Error: ErrMessageExpired, StrategyUsed: LeastLoaded}
	}

	candidates := rt.candidates(msg)
	strategy := rt.strategyFor(msg, explicit)
	targets := rt.selectTargets(msg, candidates, strategy)

	result := Result{MessageID: msg.MessageID, StrategyUsed: strategy}
	if len(targets) == 0 {
		result.Error = fmt.Errorf("router: no healthy candidates for message %s", msg.MessageID)
		result.RoutingTimeMS = time.Since(start).Milliseconds()
		rt.notify(msg, result)
		return result
	}

	msg.RoutingHistory = append(msg.RoutingHistory, targets...)

	var deliveryErr error
	delivered := make([]string, 0, len(targets))
	for _, target := range targets {
		if err := rt.deliverWithBreaker(target, msg); err != nil {
			deliveryErr = err
			rt.logger.Warn("delivery failed", map[string]interface{}{"target": target, "error": err.Error()})
			continue
		}
		delivered = append(delivered, target)
	}

	result.TargetAgents = delivered
	result.Success = len(delivered) > 0
	if !result.Success {
		result.Error = deliveryErr
	}
	result.RoutingTimeMS = time.Since(start).Milliseconds()

	rt.telemetry.RecordMetric("col.router.routing_time_ms", float64(result.RoutingTimeMS), map[string]string{"strategy": strategy.String()})
	rt.notify(msg, result)
	return result
}

func (rt *Router) notify(msg Message, result Result) {
	rt.middlewareMu.Lock()
	mws := make([]Middleware, len(rt.middleware))
	copy(mws, rt.middleware)
	rt.middlewareMu.Unlock()

	for _, mw := range mws {
		mw(msg, result)
	}
}

// deliverWithBreaker retries a transient delivery failure up to the
// router's retry budget, with each attempt gated by the target's circuit
// breaker — an open breaker skips the delivery call for that attempt, but
// the rejected attempt still counts against the retry budget.
func (rt *Router) deliverWithBreaker(target string, msg Message) error {
	if rt.deliver == nil {
		return fmt.Errorf("router: no delivery function configured")
	}
	cb := rt.breakerFor(target)
	return resilience.RetryWithCircuitBreaker(context.Background(), rt.retry, cb, func() error {
		return rt.deliver(target, msg)
	})
}

func (rt *Router) breakerFor(target string) *resilience.CircuitBreaker {
	rt.breakersMu.Lock()
	defer rt.breakersMu.Unlock()
	if cb, ok := rt.breakers[target]; ok {
		return cb
	}
	cfg := resilience.DefaultConfig()
	cfg.Name = "router_target_" + target
	cfg.Logger = rt.logger
	cfg.Metrics = resilience.NewOTelMetricsCollector(context.Background())
	cb, err := resilience.NewCircuitBreaker(cfg)
	if err != nil {
		// DefaultConfig is always valid; this path is unreachable in practice.
		cb, _ = resilience.NewCircuitBreaker(resilience.DefaultConfig())
	}
	rt.breakers[target] = cb
	return cb
}

func (rt *Router) selectTargets(msg Message, candidates []*registry.Info, strategy Strategy) []string {
	if len(candidates) == 0 {
		return nil
	}

	switch strategy {
	case Broadcast:
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.AgentID
		}
		return ids

	case Sticky:
		rt.stickyMu.Lock()
		prior, ok := rt.sticky[msg.Source]
		rt.stickyMu.Unlock()
		if ok {
			for _, c := range candidates {
				if c.AgentID == prior {
					return []string{prior}
				}
			}
		}
		target := leastLoaded(candidates)
		rt.stickyMu.Lock()
		rt.sticky[msg.Source] = target
		rt.stickyMu.Unlock()
		return []string{target}

	case CapabilityPriority:
		if msg.CapabilityRequirement == nil {
			return []string{leastLoaded(candidates)}
		}
		return []string{capabilityPriority(candidates, msg.CapabilityRequirement.Name)}

	case Random:
		return []string{candidates[rand.Intn(len(candidates))].AgentID}

	case RoundRobin:
		key := "*"
		if msg.CapabilityRequirement != nil {
			key = msg.CapabilityRequirement.Name
		}
		rt.rrMu.Lock()
		idx := rt.rrCounter[key] % len(candidates)
		rt.rrCounter[key]++
		rt.rrMu.Unlock()
		return []string{candidates[idx].AgentID}

	default: // LeastLoaded
		return []string{leastLoaded(candidates)}
	}
}

func leastLoaded(candidates []*registry.Info) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LoadScore < best.LoadScore {
			best = c
		}
	}
	return best.AgentID
}

func capabilityPriority(candidates []*registry.Info, capName string) string {
	var best *registry.Info
	bestPriority := -1 << 31
	for _, c := range candidates {
		priority := -1 << 31
		for _, capability := range c.Capabilities {
			if capability.Name == capName && capability.Priority > priority {
				priority = capability.Priority
			}
		}
		if priority > bestPriority || (priority == bestPriority && best != nil && c.LoadScore < best.LoadScore) {
			bestPriority = priority
			best = c
		}
	}
	if best == nil {
		return leastLoaded(candidates)
	}
	return best.AgentID
}
