package types

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is the uniform result every pipeline stage returns.
type Message struct {
	ID        string         `json:"id"`
	Producer  string         `json:"producer"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewMessage builds a stage message stamped with a fresh id and the current time.
func NewMessage(producer, action string, success bool, data map[string]any, errMsg string) Message {
	if data == nil {
		data = map[string]any{}
	}
	return Message{
		ID:        uuid.NewString(),
		Producer:  producer,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Success:   success,
		Data:      data,
		Error:     errMsg,
	}
}

// AgentState is the activity state of a pipeline component.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentWorking AgentState = "working"
	AgentError   AgentState = "error"
	AgentPaused  AgentState = "paused"
)

// AgentStatus reports how often and how recently a component ran.
type AgentStatus struct {
	Name           string     `json:"name"`
	State          AgentState `json:"state"`
	ExecutionCount int64      `json:"executionCount"`
	LastExecution  *time.Time `json:"lastExecution,omitempty"`
}

// CycleEvent bundles the stage messages of one cycle for the activity sink.
// Stages that did not run are nil.
type CycleEvent struct {
	Stage      Stage    `json:"stage"`
	Data       *Message `json:"data,omitempty"`
	Analysis   *Message `json:"analysis,omitempty"`
	Validation *Message `json:"validation,omitempty"`
	Risk       *Message `json:"risk,omitempty"`
	Execution  *Message `json:"execution,omitempty"`
	Result     Message  `json:"result"`
}

// AgentTracker maintains an AgentStatus for a component. Safe for concurrent use.
type AgentTracker struct {
	mu     sync.Mutex
	status AgentStatus
}

// NewAgentTracker returns an idle tracker for the named component.
func NewAgentTracker(name string) *AgentTracker {
	return &AgentTracker{status: AgentStatus{Name: name, State: AgentIdle}}
}

// Begin marks the component as working.
func (t *AgentTracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = AgentWorking
}

// End records a finished execution, moving to error state when err is non-nil.
func (t *AgentTracker) End(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	t.status.ExecutionCount++
	t.status.LastExecution = &now
	if err != nil {
		t.status.State = AgentError
		return
	}
	t.status.State = AgentIdle
}

// Status returns a copy of the current status.
func (t *AgentTracker) Status() AgentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
