// Package router selects and delivers RoutedMessages across healthy agents
// using a pluggable load-balancing strategy.
package router

import (
	"time"

	"github.com/itsneelabh/col/registry"
)

// Strategy is a named candidate-selection algorithm.
type Strategy int

const (
	LeastLoaded Strategy = iota
	Broadcast
	Sticky
	CapabilityPriority
	Random
	RoundRobin
)

func (s Strategy) String() string {
	switch s {
	case LeastLoaded:
		return "least_loaded"
	case Broadcast:
		return "broadcast"
	case Sticky:
		return "sticky"
	case CapabilityPriority:
		return "capability_priority"
	case Random:
		return "random"
	case RoundRobin:
		return "round_robin"
	default:
		return "unknown"
	}
}

// Message is a message in flight through the router, carrying the hop
// count state (routing_history) used to enforce TTL.
type Message struct {
	MessageID             string
	Source                string
	Content               interface{}
	CapabilityRequirement *registry.Requirement
	PreferredAgents       []string
	ExcludedAgents        []string
	MessageType           string
	Priority              int
	TTL                   int
	Timestamp             time.Time
	Metadata              map[string]interface{}
	RoutingHistory        []string
	CorrelationID         string
}

// Expired reports whether the message has exhausted its hop budget.
func (m Message) Expired() bool {
	ttl := m.TTL
	if ttl <= 0 {
		ttl = 3
	}
	return len(m.RoutingHistory) >= ttl
}

// Rule overrides the default strategy for messages it matches.
type Rule struct {
	Name     string
	Priority int
	Match    func(Message) bool
	Strategy Strategy
}

// Result is the outcome of one Route call.
type Result struct {
	Success       bool
	TargetAgents  []string
	MessageID     string
	Error         error
	RoutingTimeMS int64
	StrategyUsed  Strategy
}

// DeliveryFunc converts a routed message to the target agent's session
// inbox. The coordinator supplies the concrete implementation.
type DeliveryFunc func(target string, msg Message) error

// Middleware observes a completed route; it may record metrics but must
// not alter the outcome.
type Middleware func(msg Message, result Result)
