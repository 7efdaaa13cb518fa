// Package protocol resolves a governance Protocol from a classification
// result. A returned protocol is advisory to the orchestrator: it is
// recorded on the operation context, and action enforcement (ALLOW, DENY,
// CONFIRM, ...) is left as an extension hook rather than wired into the
// pipeline, per the governing design notes on protocol evaluation.
package protocol

import (
	"sort"
	"sync"

	"github.com/itsneelabh/col/classifier"
)

// Priority is the enforcement level a protocol carries.
type Priority int

const (
	Advisory Priority = iota
	Standard
	Strict
	Critical
)

func (p Priority) String() string {
	switch p {
	case Advisory:
		return "advisory"
	case Standard:
		return "standard"
	case Strict:
		return "strict"
	case Critical:
		return "critical"
	default:
		return "advisory"
	}
}

// Action is what a rule or a BaseProtocol.Evaluate recommends.
type Action int

const (
	Allow Action = iota
	Deny
	Confirm
	Throttle
	Enhance
	Log
	Checkpoint
)

// Rule is a single named condition/action pair a Protocol may carry.
type Rule struct {
	Name      string
	Condition string
	Action    Action
	Message   string
	Priority  Priority
}

// Protocol is a named governance policy applicable to one or more request
// types.
type Protocol struct {
	ID          string
	Name        string
	Version     string
	Description string
	AppliesTo   []classifier.RequestType
	Priority    Priority
	Rules       []Rule
	Config      map[string]interface{}
}

func (p Protocol) appliesTo(t classifier.RequestType) bool {
	for _, rt := range p.AppliesTo {
		if rt == t {
			return true
		}
	}
	return false
}

// Decision is what Evaluate on a dynamic protocol implementation returns.
type Decision struct {
	Action     Action
	ProtocolID string
	Reason     string
	Metadata   map[string]interface{}
}

// Evaluator lets advanced deployments subclass behavior beyond the builtin
// per-type defaults; Loader consults any registered Evaluator for extra
// decisions without the orchestrator enforcing them.
type Evaluator interface {
	Evaluate(result classifier.Result) *Decision
}

// Loader selects the highest-priority protocol whose AppliesTo includes the
// classified request type.
type Loader struct {
	mu         sync.RWMutex
	protocols  []Protocol
	evaluators map[string]Evaluator
}

// NewLoader seeds the loader with a default STANDARD protocol per request
// type, matching the builtin loader's fallback behavior.
func NewLoader() *Loader {
	l := &Loader{evaluators: make(map[string]Evaluator)}
	l.protocols = defaultProtocols()
	return l
}

func defaultProtocols() []Protocol {
	types := []classifier.RequestType{
		classifier.SystemRead, classifier.SystemWrite, classifier.SystemExec, classifier.SystemNetwork,
		classifier.ToolBrowser, classifier.ToolSearch, classifier.ToolMessage, classifier.ToolFile,
		classifier.CognitiveAnalyze, classifier.CognitiveGenerate, classifier.CognitiveReason, classifier.CognitivePlan,
		classifier.ExternalAPI, classifier.ExternalSSH, classifier.ExternalDB,
		classifier.UserQuery, classifier.UserCommand, classifier.UserConversation,
		classifier.MetaGovernance, classifier.MetaCheckpoint, classifier.MetaUnknown,
	}

	protocols := make([]Protocol, 0, len(types))
	for _, t := range types {
		protocols = append(protocols, Protocol{
			ID:          "default_" + t.String(),
			Name:        "Default " + t.String(),
			Version:     "1.0",
			Description: "builtin default protocol for " + t.String(),
			AppliesTo:   []classifier.RequestType{t},
			Priority:    Standard,
		})
	}
	return protocols
}

// Register adds or replaces a protocol by ID.
func (l *Loader) Register(p Protocol) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, existing := range l.protocols {
		if existing.ID == p.ID {
			l.protocols[i] = p
			return
		}
	}
	l.protocols = append(l.protocols, p)
}

// RegisterEvaluator attaches a dynamic Evaluator to a protocol ID.
func (l *Loader) RegisterEvaluator(protocolID string, e Evaluator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evaluators[protocolID] = e
}

// Get returns a registered protocol by ID, or nil if none matches. Used to
// honor an explicit custom_protocol governance option ahead of the
// request-type-based resolution Load performs.
func (l *Loader) Get(id string) *Protocol {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.protocols {
		if p.ID == id {
			chosen := p
			return &chosen
		}
	}
	return nil
}

// Load returns the highest-priority protocol matching result.RequestType, or
// nil if none applies.
func (l *Loader) Load(result classifier.Result) *Protocol {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matches []Protocol
	for _, p := range l.protocols {
		if p.appliesTo(result.RequestType) {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Priority > matches[j].Priority })
	chosen := matches[0]
	return &chosen
}

// Evaluate consults the registered Evaluator for a protocol, if any. The
// orchestrator treats the result as advisory metadata, not an enforcement
// instruction.
func (l *Loader) Evaluate(protocolID string, result classifier.Result) *Decision {
	l.mu.RLock()
	e, ok := l.evaluators[protocolID]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.Evaluate(result)
}
