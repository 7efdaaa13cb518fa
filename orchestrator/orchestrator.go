package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/col/checkpoint"
	"github.com/itsneelabh/col/classifier"
	"github.com/itsneelabh/col/core"
	"github.com/itsneelabh/col/economy"
	"github.com/itsneelabh/col/protocol"
)

// Orchestrator interposes on every governed operation, pushing it through
// STOP, CLASSIFY, LOAD, APPLY, EXECUTE before the underlying call runs.
type Orchestrator struct {
	classifier *classifier.Classifier
	protocols  *protocol.Loader
	economy    *economy.Economy
	checkpoints *checkpoint.Manager

	logger    core.Logger
	telemetry core.Telemetry

	mu    sync.Mutex
	hooks map[HookEvent][]HookFunc
	stats Stats

	pressureHistory []float64
	pressureMu      sync.Mutex

	stopCh chan struct{}
	stopped bool
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithTelemetry(t core.Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

func WithClassifier(c *classifier.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

func WithProtocolLoader(l *protocol.Loader) Option {
	return func(o *Orchestrator) { o.protocols = l }
}

func WithEconomy(e *economy.Economy) Option {
	return func(o *Orchestrator) { o.economy = e }
}

func WithCheckpointManager(m *checkpoint.Manager) Option {
	return func(o *Orchestrator) { o.checkpoints = m }
}

// NewOrchestrator builds a standalone Orchestrator. Tests and embedders that
// want dependency injection use this directly; GetOrchestrator is the
// process-wide singleton accessor.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier: classifier.New(&core.NoOpLogger{}),
		protocols:  protocol.NewLoader(),
		economy:    economy.New(100_000),
		logger:     &core.NoOpLogger{},
		telemetry:  &core.NoOpTelemetry{},
		hooks:      make(map[HookEvent][]HookFunc),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if cal, ok := o.logger.(core.ComponentAwareLogger); ok {
		o.logger = cal.WithComponent("col/orchestrator")
	}
	if o.checkpoints != nil {
		o.restoreFromAutoCheckpoint()
	}
	return o
}

var (
	singleton     *Orchestrator
	singletonOnce sync.Once
)

// GetOrchestrator returns the process-wide Orchestrator, constructing it on
// first use with default dependencies. Double-checked init under a
// sync.Once, matching the teacher's NewBaseAgentWithConfig convention of a
// testable constructor backing a package-level accessor.
func GetOrchestrator() *Orchestrator {
	singletonOnce.Do(func() {
		singleton = NewOrchestrator()
	})
	return singleton
}

// restoreFromAutoCheckpoint recovers process-wide stats (never active
// budgets) from the latest "auto_operations" checkpoint, if one exists.
func (o *Orchestrator) restoreFromAutoCheckpoint() {
	latest := o.checkpoints.LatestByReason("auto_operations")
	if latest == nil {
		return
	}
	state, err := o.checkpoints.Restore(latest.ID)
	if err != nil {
		return
	}
	if v, ok := state["total_operations"].(float64); ok {
		o.stats.TotalOperations = int64(v)
	}
	if v, ok := state["rejected_operations"].(float64); ok {
		o.stats.RejectedOperations = int64(v)
	}
	if v, ok := state["failed_operations"].(float64); ok {
		o.stats.FailedOperations = int64(v)
	}
	if v, ok := state["successful_operations"].(float64); ok {
		o.stats.SuccessfulOperations = int64(v)
	}
}

func newOperationID() string {
	return fmt.Sprintf("op_%d_%s", time.Now().UnixNano()/int64(time.Millisecond), uuid.NewString())
}

// RegisterHook adds a callback for one of the six pipeline events.
func (o *Orchestrator) RegisterHook(event HookEvent, fn HookFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks[event] = append(o.hooks[event], fn)
}

func (o *Orchestrator) emit(event HookEvent, ctx *OperationContext) {
	o.mu.Lock()
	hooks := append([]HookFunc(nil), o.hooks[event]...)
	o.mu.Unlock()
	for _, h := range hooks {
		h(ctx)
	}
}

// Govern wraps a callable so every invocation is routed through the
// pipeline. The returned GovernedFunc discards the OperationContext and
// returns (result, error) as a bare callable; use Submit when the context
// and trace matter to the caller.
func Govern(o *Orchestrator, op GovernedFunc, opts ...GovernanceOption) GovernedFunc {
	options := defaultGovernanceOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return func(ctx *OperationContext, args ...interface{}) (interface{}, error) {
		source := ""
		if ctx != nil {
			source = ctx.Source
		}
		result := o.Submit(source, options, op, args...)
		return result.Result, result.Error
	}
}

// Submit runs one explicit governed operation end to end and returns its
// full OperationResult.
func (o *Orchestrator) Submit(source string, options GovernanceOptions, op GovernedFunc, args ...interface{}) OperationResult {
	start := time.Now()
	ctx := &OperationContext{
		OperationID: newOperationID(),
		Timestamp:   start,
		Source:      source,
		Metadata:    map[string]interface{}{},
	}

	_, span := o.telemetry.StartSpan(context.Background(), "col.pipeline.execute")
	defer span.End()

	// STOP
	o.mu.Lock()
	o.stats.TotalOperations++
	total := o.stats.TotalOperations
	o.mu.Unlock()
	ctx.trace("STOP", map[string]interface{}{"operation_id": ctx.OperationID})
	o.emit(PreClassify, ctx)

	// CLASSIFY
	call := classifier.Call{QualifiedName: source, Args: args}
	result := o.classifier.Classify(call)
	ctx.Classification = &result
	ctx.trace("CLASSIFY", map[string]interface{}{
		"request_type": result.RequestType.String(),
		"risk_score":    result.RiskScore,
	})
	o.emit(PostClassify, ctx)

	if result.RiskScore > options.RiskThreshold && !options.ForceExecute {
		o.mu.Lock()
		o.stats.RejectedOperations++
		o.mu.Unlock()
		o.emit(OnGovernanceViolation, ctx)
		o.logger.Warn("operation rejected: risk exceeds threshold", map[string]interface{}{
			"operation_id": ctx.OperationID, "risk_score": result.RiskScore, "threshold": options.RiskThreshold,
		})
		span.RecordError(core.ErrGovernanceRisk)
		return OperationResult{
			Success:    false,
			Context:    ctx,
			Error:      core.NewGovernanceError(ctx.OperationID, core.ErrGovernanceRisk),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	// LOAD
	var proto *protocol.Protocol
	if options.CustomProtocol != "" {
		proto = o.protocols.Get(options.CustomProtocol)
	}
	if proto == nil {
		proto = o.protocols.Load(result)
	}
	if proto != nil {
		ctx.ProtocolID = proto.ID
	}
	ctx.trace("LOAD", map[string]interface{}{"protocol_id": ctx.ProtocolID})

	// APPLY
	budget := o.economy.Allocate(result.RequestType, result.RiskScore, options.Priority, options.TokenBudget, ctx.OperationID)
	ctx.TokenBudgetID = budget.OperationID
	if !budget.CanExecute(time.Now()) {
		o.economy.Release(budget.OperationID)
		o.mu.Lock()
		o.stats.RejectedOperations++
		o.mu.Unlock()
		o.emit(OnGovernanceViolation, ctx)
		o.logger.Warn("operation rejected: insufficient token budget", map[string]interface{}{
			"operation_id": ctx.OperationID, "allocated": budget.Allocated,
		})
		span.RecordError(core.ErrInsufficientBudget)
		return OperationResult{
			Success:    false,
			Context:    ctx,
			Error:      core.NewGovernanceError(ctx.OperationID, core.ErrInsufficientBudget),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}
	if (options.RequireCheckpoint || result.RiskScore > 0.7) && o.checkpoints != nil {
		cp, err := o.checkpoints.Create(map[string]interface{}{
			"operation_id": ctx.OperationID,
			"source":       source,
		}, "pre_execute", "", nil)
		if err == nil {
			ctx.CheckpointID = cp.ID
			o.emit(OnCheckpoint, ctx)
		}
	}
	ctx.trace("APPLY", map[string]interface{}{"token_budget_id": ctx.TokenBudgetID})

	// EXECUTE
	o.emit(PreExecute, ctx)
	opResult, opErr := o.runExecute(ctx, op, args...)
	ctx.trace("EXECUTE", map[string]interface{}{"success": opErr == nil})
	o.emit(PostExecute, ctx)

	tokensConsumed := 0
	if opErr != nil {
		o.economy.Release(budget.OperationID)
		o.mu.Lock()
		o.stats.FailedOperations++
		o.mu.Unlock()
		o.logger.Error("governed operation failed", map[string]interface{}{"operation_id": ctx.OperationID, "error": opErr.Error()})
		if o.checkpoints != nil {
			_, _ = o.checkpoints.Create(map[string]interface{}{
				"operation_id": ctx.OperationID,
				"trace":        traceAsMaps(ctx.ExecutionTrace),
			}, "error", "", nil)
		}
	} else {
		tokensConsumed = o.economy.Consume(budget.OperationID, nil)
		o.mu.Lock()
		o.stats.SuccessfulOperations++
		o.mu.Unlock()
	}

	o.maybeAutoCheckpoint(total)

	span.SetAttribute("col.request_type", result.RequestType.String())
	o.telemetry.RecordMetric("col.pipeline.stage", float64(tokensConsumed), map[string]string{"request_type": result.RequestType.String()})

	return OperationResult{
		Success:        opErr == nil,
		Context:        ctx,
		Result:         opResult,
		Error:          opErr,
		TokensConsumed: tokensConsumed,
		DurationMS:     time.Since(start).Milliseconds(),
	}
}

// runExecute isolates the underlying call so a panic is converted into an
// ordinary error rather than crashing the pipeline.
func (o *Orchestrator) runExecute(ctx *OperationContext, op GovernedFunc, args ...interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx, args...)
}

func traceAsMaps(trace []TraceEntry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(trace))
	for _, t := range trace {
		out = append(out, map[string]interface{}{
			"phase":     t.Phase,
			"timestamp": t.Timestamp,
			"fields":    t.Fields,
		})
	}
	return out
}

func (o *Orchestrator) maybeAutoCheckpoint(total int64) {
	if o.checkpoints == nil || total == 0 || total%100 != 0 {
		return
	}
	_, _ = o.checkpoints.Create(map[string]interface{}{
		"total_operations":      o.statsSnapshot().TotalOperations,
		"rejected_operations":   o.statsSnapshot().RejectedOperations,
		"failed_operations":     o.statsSnapshot().FailedOperations,
		"successful_operations": o.statsSnapshot().SuccessfulOperations,
	}, "auto_operations", "", nil)
}

func (o *Orchestrator) statsSnapshot() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// GetStats returns a point-in-time snapshot of process-wide counters.
func (o *Orchestrator) GetStats() Stats {
	stats := o.statsSnapshot()
	o.pressureMu.Lock()
	if len(o.pressureHistory) > 0 {
		stats.ResourcePressure = o.pressureHistory[len(o.pressureHistory)-1]
	}
	o.pressureMu.Unlock()
	return stats
}

// Shutdown stops the background governance loop and emits a final
// checkpoint of current stats.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	close(o.stopCh)
	if o.checkpoints != nil {
		stats := o.statsSnapshot()
		_, _ = o.checkpoints.Create(map[string]interface{}{
			"total_operations":      stats.TotalOperations,
			"rejected_operations":   stats.RejectedOperations,
			"failed_operations":     stats.FailedOperations,
			"successful_operations": stats.SuccessfulOperations,
		}, "shutdown", "", nil)
	}
}

// StartGovernanceLoop launches the 5-second resource-pressure monitor as a
// goroutine selecting on a ticker and the orchestrator's stop channel,
// matching the teacher's StartHeartbeat idiom in core/redis_registry.go.
func (o *Orchestrator) StartGovernanceLoop(sampleCPU, sampleMemory func() float64) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.sampleResourcePressure(sampleCPU, sampleMemory)
			}
		}
	}()
}

func (o *Orchestrator) sampleResourcePressure(sampleCPU, sampleMemory func() float64) {
	cpu := sampleCPU()
	mem := sampleMemory()
	pressure := math.Max(cpu, mem) / 100.0

	o.pressureMu.Lock()
	o.pressureHistory = append(o.pressureHistory, pressure)
	if len(o.pressureHistory) > 100 {
		o.pressureHistory = o.pressureHistory[len(o.pressureHistory)-100:]
	}
	o.pressureMu.Unlock()

	o.telemetry.RecordMetric("col.economy.pressure", pressure, nil)

	if pressure > 0.9 && o.checkpoints != nil {
		if _, err := o.checkpoints.CreateEmergency(map[string]interface{}{"resource_pressure": pressure}); err == nil {
			violationCtx := &OperationContext{OperationID: "emergency", Timestamp: time.Now()}
			o.emit(OnGovernanceViolation, violationCtx)
		}
	}
}
