// Package economy implements COL's per-process token economy: a daily
// budgeted resource account that prices governed operations by request
// type, risk, priority, and current usage pressure, and throttles
// allocation as the daily supply is drawn down.
package economy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/itsneelabh/col/classifier"
	"github.com/itsneelabh/col/core"
)

// TransactionType is the closed set of ledger entry kinds.
type TransactionType int

const (
	Allocation TransactionType = iota
	Consumption
	Refund
	Bonus
	Penalty
	Transfer
)

func (t TransactionType) String() string {
	switch t {
	case Allocation:
		return "allocation"
	case Consumption:
		return "consumption"
	case Refund:
		return "refund"
	case Bonus:
		return "bonus"
	case Penalty:
		return "penalty"
	case Transfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Transaction is an append-only ledger entry.
type Transaction struct {
	ID            string
	Type          TransactionType
	Amount        int
	BalanceBefore int
	BalanceAfter  int
	OperationID   string
	Reason        string
	Timestamp     time.Time
	Metadata      map[string]interface{}
}

// Budget is the allotment reserved for a single governed operation.
type Budget struct {
	OperationID string
	Allocated   int
	Consumed    int
	Reserved    int
	Priority    int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	// Truncated is true when the computed allocation exceeded the economy's
	// available supply at allocation time and had to be clipped: the
	// operation got less than the formula asked for. A fresh, untruncated
	// budget always satisfies its own Required() by construction, so
	// Truncated is the signal that actually distinguishes "throttled down
	// to nothing useful" from "normal small allocation".
	Truncated bool
}

// Available is the remaining allotment not yet consumed or reserved.
func (b Budget) Available() int {
	return b.Allocated - b.Consumed - b.Reserved
}

// Required is the minimum balance an operation needs to proceed: at least 5
// tokens, or 10% of the allocation, whichever is larger, capped at the
// allocation itself.
func (b Budget) Required() int {
	required := int(float64(b.Allocated) * 0.1)
	if required < 5 {
		required = 5
	}
	if required > b.Allocated {
		required = b.Allocated
	}
	return required
}

// CanExecute reports whether the budget has not expired, was not truncated
// below what the economy's own formula asked for, and still holds at least
// Required() tokens available.
func (b Budget) CanExecute(now time.Time) bool {
	if !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt) {
		return false
	}
	if b.Truncated {
		return false
	}
	return b.Available() >= b.Required()
}

// baseCosts is the per-request-type fixed cost table.
var baseCosts = map[classifier.RequestType]int{
	classifier.SystemRead:        10,
	classifier.SystemWrite:       50,
	classifier.SystemExec:        100,
	classifier.SystemNetwork:     30,
	classifier.ToolBrowser:       75,
	classifier.ToolSearch:        20,
	classifier.ToolMessage:       80,
	classifier.ToolFile:          25,
	classifier.CognitiveAnalyze:  40,
	classifier.CognitiveGenerate: 60,
	classifier.CognitiveReason:   50,
	classifier.CognitivePlan:     45,
	classifier.ExternalAPI:       60,
	classifier.ExternalSSH:       90,
	classifier.ExternalDB:        70,
	classifier.UserQuery:         5,
	classifier.UserCommand:       15,
	classifier.UserConversation:  10,
	classifier.MetaGovernance:    30,
	classifier.MetaCheckpoint:    40,
	classifier.MetaUnknown:       50,
}

const defaultBaseCost = 50

func riskMultiplier(risk float64) float64 {
	switch {
	case risk < 0.3:
		return 1.0
	case risk < 0.5:
		return 1.2
	case risk < 0.7:
		return 1.5
	case risk < 0.9:
		return 2.0
	default:
		return 3.0
	}
}

// priorityMultipliers is monotonic non-decreasing from 1 (lowest priority)
// to 10 (critical).
var priorityMultipliers = map[int]float64{
	1: 0.5, 2: 0.7, 3: 0.8, 4: 0.9, 5: 1.0,
	6: 1.1, 7: 1.3, 8: 1.5, 9: 1.8, 10: 2.5,
}

func priorityMultiplier(priority int) float64 {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return priorityMultipliers[priority]
}

func throttleMultiplier(usageRatio float64) float64 {
	switch {
	case usageRatio >= 0.95:
		return 3.0
	case usageRatio >= 0.85:
		return 2.0
	case usageRatio >= 0.7:
		return 1.5
	case usageRatio >= 0.5:
		return 1.0
	default:
		return 1.0
	}
}

// State is a point-in-time snapshot of the economy, matching §3's "Token
// Economy State" and the persisted on-disk JSON shape.
type State struct {
	DailySupply      int       `json:"daily_supply"`
	AvailableTokens  int       `json:"available_tokens"`
	ConsumedToday    int       `json:"consumed_today"`
	TotalConsumed    int       `json:"total_consumed"`
	LastReset        time.Time `json:"last_reset"`
	EconomicPressure float64   `json:"economic_pressure"`
	ThrottlingActive bool      `json:"throttling_active"`
	ActiveBudgets    int       `json:"active_budgets"`
	Transactions     int       `json:"transactions_recorded"`
}

// Economy is the process-wide singleton token economy. All mutations are
// serialized through one mutex. Allocate, Consume, Release, AddTokens and
// Penalize persist state after releasing the lock; the daily rollover in
// checkDailyReset writes its archive line and state while the lock is held.
type Economy struct {
	mu sync.Mutex

	dailySupply     int
	availableTokens int
	consumedToday   int
	totalConsumed   int
	lastReset       time.Time

	activeBudgets map[string]*Budget
	transactions  []Transaction
	maxTxHistory  int

	economicPressure float64
	throttlingActive bool

	stateDir string
	logger   core.Logger
	telemetry core.Telemetry

	txSeq int64
}

// Option configures an Economy at construction.
type Option func(*Economy)

func WithStateDir(dir string) Option {
	return func(e *Economy) { e.stateDir = dir }
}

func WithLogger(logger core.Logger) Option {
	return func(e *Economy) { e.logger = logger }
}

func WithTelemetry(t core.Telemetry) Option {
	return func(e *Economy) { e.telemetry = t }
}

// New constructs an Economy with the given daily supply, loading any
// persisted state from stateDir if present.
func New(dailySupply int, opts ...Option) *Economy {
	e := &Economy{
		dailySupply:     dailySupply,
		availableTokens: dailySupply,
		lastReset:       time.Now(),
		activeBudgets:   make(map[string]*Budget),
		maxTxHistory:    10000,
		logger:          &core.NoOpLogger{},
		telemetry:       &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if cal, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cal.WithComponent("col/economy")
	}
	e.loadState()
	e.checkDailyReset()
	return e
}

func (e *Economy) statePath() string {
	if e.stateDir == "" {
		return ""
	}
	return filepath.Join(e.stateDir, "token_economy_state.json")
}

func (e *Economy) logPath() string {
	if e.stateDir == "" {
		return ""
	}
	return filepath.Join(e.stateDir, "token_economy.log")
}

func (e *Economy) loadState() {
	path := e.statePath()
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return
	}
	e.dailySupply = s.DailySupply
	e.availableTokens = s.AvailableTokens
	e.consumedToday = s.ConsumedToday
	e.totalConsumed = s.TotalConsumed
	e.lastReset = s.LastReset
}

// saveState does not take e.mu; callers snapshot fields first. Most callers
// invoke it after releasing the lock; checkDailyReset invokes it while
// holding the lock.
func (e *Economy) saveState(snapshot State) {
	path := e.statePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.logger.Warn("failed to create state dir", map[string]interface{}{"error": err.Error()})
		return
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		e.logger.Warn("failed to persist economy state", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Economy) logDailyStats(snapshot State) {
	path := e.logPath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	var efficiency float64
	if snapshot.DailySupply > 0 {
		efficiency = float64(snapshot.ConsumedToday) / float64(snapshot.DailySupply)
	}
	line := map[string]interface{}{
		"date":       snapshot.LastReset.Format("2006-01-02"),
		"supply":     snapshot.DailySupply,
		"consumed":   snapshot.ConsumedToday,
		"remaining":  snapshot.AvailableTokens,
		"efficiency": efficiency,
	}
	raw, _ := json.Marshal(line)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(raw, '\n'))
}

// checkDailyReset archives yesterday's stats and rolls the supply over if
// the calendar date has advanced. Must be called with e.mu held.
func (e *Economy) checkDailyReset() {
	now := time.Now()
	if now.Year() == e.lastReset.Year() && now.YearDay() == e.lastReset.YearDay() {
		return
	}

	snapshot := e.snapshotLocked()
	e.logDailyStats(snapshot)

	e.availableTokens = e.dailySupply
	e.consumedToday = 0
	e.lastReset = now

	e.saveState(e.snapshotLocked())
}

func (e *Economy) snapshotLocked() State {
	return State{
		DailySupply:      e.dailySupply,
		AvailableTokens:  e.availableTokens,
		ConsumedToday:    e.consumedToday,
		TotalConsumed:    e.totalConsumed,
		LastReset:        e.lastReset,
		EconomicPressure: e.economicPressure,
		ThrottlingActive: e.throttlingActive,
		ActiveBudgets:    len(e.activeBudgets),
		Transactions:     len(e.transactions),
	}
}

// GetState returns a consistent point-in-time snapshot.
func (e *Economy) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkDailyReset()
	return e.snapshotLocked()
}

func (e *Economy) updatePressureLocked() {
	usage := 1.0 - float64(e.availableTokens)/float64(e.dailySupply)
	e.economicPressure = usage
	e.throttlingActive = usage > 0.85
}

func (e *Economy) recordTransactionLocked(txType TransactionType, amount int, operationID, reason string, metadata map[string]interface{}) {
	e.txSeq++
	var before int
	if txType == Consumption {
		before = e.availableTokens + amount
	} else {
		before = e.availableTokens - amount
	}

	tx := Transaction{
		ID:            fmt.Sprintf("tx_%d_%d", time.Now().UnixNano(), e.txSeq),
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  e.availableTokens,
		OperationID:   operationID,
		Reason:        reason,
		Timestamp:     time.Now(),
		Metadata:      metadata,
	}
	e.transactions = append(e.transactions, tx)
	if len(e.transactions) > e.maxTxHistory {
		e.transactions = e.transactions[len(e.transactions)-e.maxTxHistory:]
	}
}

// EstimateCost computes the allocation formula without mutating state.
func (e *Economy) EstimateCost(requestType classifier.RequestType, riskScore float64, priority int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	base, ok := baseCosts[requestType]
	if !ok {
		base = defaultBaseCost
	}
	usage := 1.0 - float64(e.availableTokens)/float64(e.dailySupply)
	return int(float64(base) * riskMultiplier(riskScore) * priorityMultiplier(priority) * throttleMultiplier(usage))
}

// Allocate reserves a budget for one operation. If customBudget is non-nil,
// it overrides the computed formula entirely. The allocation is clipped to
// availableTokens — a clipped budget may subsequently fail CanExecute.
func (e *Economy) Allocate(requestType classifier.RequestType, riskScore float64, priority int, customBudget *int, operationID string) *Budget {
	e.mu.Lock()

	e.checkDailyReset()

	base, ok := baseCosts[requestType]
	if !ok {
		base = defaultBaseCost
	}
	usage := 1.0 - float64(e.availableTokens)/float64(e.dailySupply)

	var allocation int
	if customBudget != nil {
		allocation = *customBudget
	} else {
		allocation = int(float64(base) * riskMultiplier(riskScore) * priorityMultiplier(priority) * throttleMultiplier(usage))
	}
	if allocation < 0 {
		allocation = 0
	}
	truncated := allocation > e.availableTokens
	if truncated {
		allocation = e.availableTokens
	}

	if operationID == "" {
		operationID = fmt.Sprintf("op_%d", time.Now().UnixNano()/int64(time.Millisecond))
	}

	budget := &Budget{
		OperationID: operationID,
		Allocated:   allocation,
		Priority:    priority,
		Truncated:   truncated,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	e.availableTokens -= allocation
	e.activeBudgets[operationID] = budget
	e.recordTransactionLocked(Allocation, allocation, operationID, "budget for "+requestType.String(), map[string]interface{}{
		"risk_score": riskScore, "priority": priority,
	})
	e.updatePressureLocked()
	snapshot := e.snapshotLocked()

	e.mu.Unlock()

	e.saveState(snapshot)
	e.logger.Debug("budget allocated", map[string]interface{}{"operation_id": operationID, "allocated": allocation})

	return budget
}

// Consume draws down a budget. amount defaults to the budget's Required()
// when nil. Any remaining available balance is refunded back to the
// economy and the budget is removed. Returns the tokens actually consumed;
// 0 if the budget id is unknown.
func (e *Economy) Consume(budgetID string, amount *int) int {
	e.mu.Lock()

	budget, ok := e.activeBudgets[budgetID]
	if !ok {
		e.mu.Unlock()
		return 0
	}

	want := budget.Required()
	if amount != nil {
		want = *amount
	}
	consumed := want
	if consumed > budget.Available() {
		consumed = budget.Available()
	}
	budget.Consumed += consumed

	e.consumedToday += consumed
	e.totalConsumed += consumed
	e.recordTransactionLocked(Consumption, consumed, budgetID, "operation execution", map[string]interface{}{
		"remaining": budget.Available(),
	})

	unused := budget.Available()
	if unused > 0 {
		e.availableTokens += unused
		e.recordTransactionLocked(Refund, unused, budgetID, "unused budget refund", nil)
	}

	delete(e.activeBudgets, budgetID)
	e.updatePressureLocked()
	snapshot := e.snapshotLocked()

	e.mu.Unlock()

	e.saveState(snapshot)
	return consumed
}

// Release cancels a budget without consumption, refunding it in full.
func (e *Economy) Release(budgetID string) {
	e.mu.Lock()

	budget, ok := e.activeBudgets[budgetID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.activeBudgets, budgetID)
	e.availableTokens += budget.Allocated
	e.recordTransactionLocked(Refund, budget.Allocated, budgetID, "budget released (cancelled)", nil)
	e.updatePressureLocked()
	snapshot := e.snapshotLocked()

	e.mu.Unlock()

	e.saveState(snapshot)
}

// GetBudget returns the active budget for an operation, if any.
func (e *Economy) GetBudget(budgetID string) (*Budget, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.activeBudgets[budgetID]
	if !ok {
		return nil, false
	}
	clone := *b
	return &clone, true
}

// GetTransactions returns up to limit transactions, most recent last,
// optionally filtered to one operation.
func (e *Economy) GetTransactions(operationID string, limit int) []Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var filtered []Transaction
	if operationID == "" {
		filtered = e.transactions
	} else {
		for _, tx := range e.transactions {
			if tx.OperationID == operationID {
				filtered = append(filtered, tx)
			}
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]Transaction, len(filtered))
	copy(out, filtered)
	return out
}

// AddTokens awards bonus tokens to the economy (e.g. manual adjustment),
// increasing both the available balance and the daily supply.
func (e *Economy) AddTokens(amount int, reason string) {
	e.mu.Lock()
	e.availableTokens += amount
	e.dailySupply += amount
	e.recordTransactionLocked(Bonus, amount, "", reason, nil)
	e.updatePressureLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.saveState(snapshot)
}

// Penalize deducts tokens from the economy outside of normal consumption.
func (e *Economy) Penalize(amount int, operationID, reason string) {
	e.mu.Lock()
	e.availableTokens -= amount
	e.recordTransactionLocked(Penalty, amount, operationID, reason, nil)
	e.updatePressureLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.saveState(snapshot)
}
