// Package orchestrator implements the COL governance pipeline: every
// governed operation is intercepted and pushed through five phases —
// STOP, CLASSIFY, LOAD, APPLY, EXECUTE — before it is allowed to run.
package orchestrator

import (
	"time"

	"github.com/itsneelabh/col/classifier"
)

// TraceEntry is one phase-transition record appended to an operation's
// execution trace.
type TraceEntry struct {
	Phase     string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// OperationContext is the sole carrier of governance state for one
// invocation. It is built at interception and never mutated after the
// pipeline returns.
type OperationContext struct {
	OperationID    string
	Timestamp      time.Time
	Source         string
	Classification *classifier.Result
	ProtocolID     string
	TokenBudgetID  string
	CheckpointID   string
	Metadata       map[string]interface{}
	ExecutionTrace []TraceEntry
}

func (c *OperationContext) trace(phase string, fields map[string]interface{}) {
	c.ExecutionTrace = append(c.ExecutionTrace, TraceEntry{
		Phase:     phase,
		Timestamp: time.Now(),
		Fields:    fields,
	})
}

// OperationResult is what Submit / a governed call returns.
type OperationResult struct {
	Success        bool
	Context        *OperationContext
	Result         interface{}
	Error          error
	TokensConsumed int
	DurationMS     int64
}

// GovernanceOptions are the recognised keys a caller may set when governing
// an operation.
type GovernanceOptions struct {
	Priority         int
	TokenBudget      *int
	RiskThreshold    float64
	RequireCheckpoint bool
	ForceExecute     bool
	CustomProtocol   string
}

// GovernanceOption mutates GovernanceOptions; functional-options style,
// matching the rest of the module's constructors.
type GovernanceOption func(*GovernanceOptions)

func WithPriority(p int) GovernanceOption {
	return func(o *GovernanceOptions) { o.Priority = p }
}

func WithTokenBudget(tokens int) GovernanceOption {
	return func(o *GovernanceOptions) { o.TokenBudget = &tokens }
}

func WithRiskThreshold(t float64) GovernanceOption {
	return func(o *GovernanceOptions) { o.RiskThreshold = t }
}

func WithRequireCheckpoint() GovernanceOption {
	return func(o *GovernanceOptions) { o.RequireCheckpoint = true }
}

func WithForceExecute() GovernanceOption {
	return func(o *GovernanceOptions) { o.ForceExecute = true }
}

func WithCustomProtocol(name string) GovernanceOption {
	return func(o *GovernanceOptions) { o.CustomProtocol = name }
}

func defaultGovernanceOptions() GovernanceOptions {
	return GovernanceOptions{
		Priority:      5,
		RiskThreshold: 0.95,
	}
}

// GovernedFunc is the callable shape the orchestrator wraps and executes.
type GovernedFunc func(ctx *OperationContext, args ...interface{}) (interface{}, error)

// HookEvent is the closed set of hook registration points.
type HookEvent string

const (
	PreClassify          HookEvent = "pre_classify"
	PostClassify         HookEvent = "post_classify"
	PreExecute           HookEvent = "pre_execute"
	PostExecute          HookEvent = "post_execute"
	OnCheckpoint         HookEvent = "on_checkpoint"
	OnGovernanceViolation HookEvent = "on_governance_violation"
)

// HookFunc is invoked at a pipeline phase transition; it receives the
// in-flight context and must not block the pipeline for long.
type HookFunc func(ctx *OperationContext)

// Stats is a snapshot of process-wide orchestrator counters.
type Stats struct {
	TotalOperations      int64
	SuccessfulOperations int64
	RejectedOperations   int64
	FailedOperations     int64
	ResourcePressure     float64
}
