package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskSelected   = "task.selected"
	EventTypeTaskDispatched = "task.dispatched"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskBlocked    = "task.blocked"
	EventTypeTaskHealed     = "task.healed"
	EventTypeTaskRetried    = "task.retried"
	EventTypeLearning       = "task.learning"
	EventTypeRunFinished    = "run.finished"
)

// TaskSelectedEvent is published when the scheduler picks a task.
type TaskSelectedEvent struct {
	ID        string
	Subject   string
	Timestamp time.Time
}

func (e TaskSelectedEvent) EventType() string { return EventTypeTaskSelected }
func (e TaskSelectedEvent) TaskID() string    { return e.ID }

// TaskDispatchedEvent is published when the tool invocation begins.
type TaskDispatchedEvent struct {
	ID        string
	Tool      string
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when all verification gates pass.
type TaskCompletedEvent struct {
	ID        string
	Subject   string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published on tool or verification failure. Stage
// distinguishes "the agent broke the build" from "the agent's process
// crashed".
type TaskFailedEvent struct {
	ID        string
	Subject   string
	Stage     string // "tool" or the failed verification stage
	Reason    string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when a task needs human attention, either
// because the tool declared itself blocked or the flaky detector fired.
type TaskBlockedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// TaskHealedEvent is published when the stall monitor resets a task.
type TaskHealedEvent struct {
	ID        string
	Attempt   int
	Reason    string
	Timestamp time.Time
}

func (e TaskHealedEvent) EventType() string { return EventTypeTaskHealed }
func (e TaskHealedEvent) TaskID() string    { return e.ID }

// TaskRetriedEvent is published when an inconclusive invocation returns a
// task to pending.
type TaskRetriedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }
func (e TaskRetriedEvent) TaskID() string    { return e.ID }

// LearningEvent carries a learning annotation emitted by the tool.
type LearningEvent struct {
	ID        string
	Learning  string
	Timestamp time.Time
}

func (e LearningEvent) EventType() string { return EventTypeLearning }
func (e LearningEvent) TaskID() string    { return e.ID }

// RunFinishedEvent is published once per scheduler run.
type RunFinishedEvent struct {
	RunID     string
	Counts    map[string]int
	Blocked   bool // pending tasks remain but none are eligible
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }
