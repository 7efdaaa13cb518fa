// Package session implements the per-agent isolated execution unit: a
// bounded inbox, a private memory map, a task-concurrency semaphore, and a
// bounded message-history ring.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/col/core"
)

// State is the session lifecycle state machine.
type State int

const (
	Initializing State = iota
	Active
	Paused
	Shutdown
	Error
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Shutdown:
		return "shutdown"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one unit of agent-to-agent traffic carried by a session's
// inbox and outbox.
type Message struct {
	MessageID     string
	SessionID     string
	Source        string
	Target        string
	Content       interface{}
	MessageType   string
	Timestamp     time.Time
	Metadata      map[string]interface{}
	CorrelationID string
}

// CreateResponse builds a reply that links back to the original message via
// CorrelationID.
func CreateResponse(original Message, source string, content interface{}) Message {
	return Message{
		MessageID:     newMessageID(),
		SessionID:     original.SessionID,
		Source:        source,
		Target:        original.Source,
		Content:       content,
		MessageType:   "response",
		Timestamp:     time.Now(),
		CorrelationID: original.MessageID,
	}
}

func newMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixNano()/int64(time.Millisecond), uuid.NewString())
}

// Config tunes the bounds a Session enforces.
type Config struct {
	InboxSize       int
	MaxConcurrent   int
	HistoryCapacity int
	ShutdownTimeout time.Duration
}

// DefaultConfig matches the reference defaults: inbox 100, 5 concurrent
// tasks, 100-entry history ring.
func DefaultConfig() Config {
	return Config{
		InboxSize:       100,
		MaxConcurrent:   5,
		HistoryCapacity: 100,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Session is one agent's isolated execution unit: memory, inbox, outbox
// subscribers, and a task semaphore.
type Session struct {
	ID      string
	AgentID string

	mu    sync.Mutex
	state State

	config Config
	logger core.Logger

	memory map[string]interface{}

	inbox   []Message
	history []Message

	outboxSubscribers []func(Message)

	sem chan struct{}

	executionCount int64
	totalTokens    int64

	wg sync.WaitGroup

	createdAt time.Time
}

// New creates a Session for agentID in the INITIALIZING state, then
// transitions it to ACTIVE — matching the lifecycle the pipeline requires
// before execute()/receive() become available.
func New(agentID string, config Config, logger core.Logger) *Session {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("col/session")
	}
	s := &Session{
		ID:        "sess_" + agentID,
		AgentID:   agentID,
		state:     Initializing,
		config:    config,
		logger:    logger,
		memory:    make(map[string]interface{}),
		sem:       make(chan struct{}, config.MaxConcurrent),
		createdAt: time.Now(),
	}
	s.state = Active
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pause transitions ACTIVE to PAUSED; both still accept receive().
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return fmt.Errorf("pause: session %s is %s, not active", s.ID, s.state)
	}
	s.state = Paused
	return nil
}

// Resume transitions PAUSED back to ACTIVE.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return fmt.Errorf("resume: session %s is %s, not paused", s.ID, s.state)
	}
	s.state = Active
	return nil
}

// Receive is a non-blocking enqueue; it returns false if the inbox is full
// or the session no longer accepts traffic.
func (s *Session) Receive(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active && s.state != Paused {
		return false
	}
	if len(s.inbox) >= s.config.InboxSize {
		return false
	}
	s.inbox = append(s.inbox, msg)
	s.appendHistoryLocked(msg)
	return true
}

func (s *Session) appendHistoryLocked(msg Message) {
	s.history = append(s.history, msg)
	if len(s.history) > s.config.HistoryCapacity {
		s.history = s.history[len(s.history)-s.config.HistoryCapacity:]
	}
}

// Send builds a Message and publishes it to outbox subscribers.
func (s *Session) Send(target string, content interface{}, messageType string, metadata map[string]interface{}, correlationID string) Message {
	msg := Message{
		MessageID:     newMessageID(),
		SessionID:     s.ID,
		Source:        s.AgentID,
		Target:        target,
		Content:       content,
		MessageType:   messageType,
		Timestamp:     time.Now(),
		Metadata:      metadata,
		CorrelationID: correlationID,
	}

	s.mu.Lock()
	s.appendHistoryLocked(msg)
	subscribers := make([]func(Message), len(s.outboxSubscribers))
	copy(subscribers, s.outboxSubscribers)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(msg)
	}
	return msg
}

// SubscribeOutbox registers a callback invoked for every message Send
// publishes — the router's delivery hook attaches here.
func (s *Session) SubscribeOutbox(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxSubscribers = append(s.outboxSubscribers, fn)
}

// GetNextMessage is a single-consumer dequeue. If typeFilter is non-empty,
// non-matching messages found ahead of a match are re-queued to the tail
// rather than dropped. Returns ok=false if nothing matches within timeout.
func (s *Session) GetNextMessage(timeout time.Duration, typeFilter string) (Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := s.tryDequeue(typeFilter); ok {
			return msg, true
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return Message{}, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Session) tryDequeue(typeFilter string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if typeFilter == "" {
		if len(s.inbox) == 0 {
			return Message{}, false
		}
		msg := s.inbox[0]
		s.inbox = s.inbox[1:]
		return msg, true
	}

	for i, msg := range s.inbox {
		if msg.MessageType == typeFilter {
			skipped := append([]Message(nil), s.inbox[:i]...)
			s.inbox = append(s.inbox[i+1:], skipped...)
			return msg, true
		}
	}
	return Message{}, false
}

// Execute runs fn under the task semaphore. If track is true, elapsed time
// is added to the session's resource tally.
func (s *Session) Execute(fn func() (interface{}, error), track bool) (interface{}, error) {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return nil, fmt.Errorf("execute: session %s is %s, not active", s.ID, s.state)
	}
	s.mu.Unlock()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	s.wg.Add(1)
	defer s.wg.Done()

	start := time.Now()
	result, err := fn()

	if track {
		s.mu.Lock()
		s.executionCount++
		s.totalTokens += int64(time.Since(start) / time.Millisecond)
		s.mu.Unlock()
	}
	return result, err
}

// Memory exposes the session's private key/value map.
func (s *Session) MemorySet(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[key] = value
}

func (s *Session) MemoryGet(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.memory[key]
	return v, ok
}

// History returns a copy of the bounded message-history ring.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Stats summarizes one session's accumulated activity.
type Stats struct {
	ExecutionCount int64
	TotalTokens    int64
	InboxDepth     int
	State          string
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ExecutionCount: s.executionCount,
		TotalTokens:    s.totalTokens,
		InboxDepth:     len(s.inbox),
		State:          s.state.String(),
	}
}

// Shutdown waits up to timeout for outstanding Execute calls to finish,
// then transitions to SHUTDOWN regardless.
func (s *Session) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	s.state = Shutdown
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("session shutdown timed out with tasks still running", map[string]interface{}{"session_id": s.ID})
	}
}
