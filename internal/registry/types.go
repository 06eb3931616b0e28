// Package registry holds the in-memory agent and task state machines that
// back the kanban board. The two registries are independent: neither holds a
// reference to the other, and cross-registry effects (progress recompute,
// agent event feed) flow through sink interfaces wired up by the caller.
package registry

import "time"

type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentWorking   AgentStatus = "working"
	AgentWaiting   AgentStatus = "waiting"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentWorking, AgentWaiting, AgentCompleted, AgentError:
		return true
	}
	return false
}

// Terminal statuses reject further updates except revival to working.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentError
}

type TaskStatus string

const (
	TaskTodo   TaskStatus = "todo"
	TaskDoing  TaskStatus = "doing"
	TaskDone   TaskStatus = "done"
	TaskFailed TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskDoing, TaskDone, TaskFailed:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// ReporterKind distinguishes persistent streaming reporters from one-shot
// hook reporters, which need a longer liveness grace period and are exempt
// from the disconnect-to-error rule.
type ReporterKind string

const (
	ReporterPersistent ReporterKind = "persistent"
	ReporterHook       ReporterKind = "hook"
)

type TerminalInfo struct {
	PID       int    `json:"pid,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type SessionEventType string

const (
	EventTaskCreated   SessionEventType = "task_created"
	EventTaskStarted   SessionEventType = "task_started"
	EventTaskCompleted SessionEventType = "task_completed"
	EventTaskFailed    SessionEventType = "task_failed"
	EventStatusChanged SessionEventType = "status_changed"
)

// SessionEvent is one entry in an agent's bounded recent-activity feed.
type SessionEvent struct {
	Type        SessionEventType `json:"type"`
	Timestamp   int64            `json:"timestamp"`
	Description string           `json:"description"`
	TaskID      string           `json:"taskId,omitempty"`
}

// Agent is one tracked coding-agent session. Timestamps are unix
// milliseconds to match the dashboard wire format.
type Agent struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Prompt          string         `json:"prompt,omitempty"`
	Status          AgentStatus    `json:"status"`
	TaskDescription string         `json:"taskDescription"`
	StartTime       int64          `json:"startTime"`
	LastActivity    int64          `json:"lastActivity"`
	ParentAgentID   string         `json:"parentAgentId,omitempty"`
	Children        []string       `json:"children"`
	TerminalInfo    TerminalInfo   `json:"terminalInfo"`
	ReporterKind    ReporterKind   `json:"reporterKind"`
	Goal            string         `json:"goal,omitempty"`
	Progress        int            `json:"progress"`
	Blocker         string         `json:"blocker,omitempty"`
	NextAction      string         `json:"nextAction,omitempty"`
	RecentEvents    []SessionEvent `json:"recentEvents"`
	TaskIDs         []string       `json:"taskIds"`
}

// TaskStatusChange records one transition in a task's bounded history.
type TaskStatusChange struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Timestamp int64      `json:"timestamp"`
}

type Task struct {
	ID            string             `json:"id"`
	AgentID       string             `json:"agentId"`
	Title         string             `json:"title"`
	Prompt        string             `json:"prompt"`
	Status        TaskStatus         `json:"status"`
	Result        string             `json:"result,omitempty"`
	OutputLink    string             `json:"outputLink,omitempty"`
	StartTime     int64              `json:"startTime"`
	EndTime       int64              `json:"endTime,omitempty"`
	StatusHistory []TaskStatusChange `json:"statusHistory"`
}

// SessionInfo is a partial update of the session-dashboard annotation
// fields. Nil means "leave unchanged", not "clear".
type SessionInfo struct {
	Goal       *string
	Blocker    *string
	NextAction *string
}

// AgentTaskEvent is the abstract event the task registry emits toward the
// owning agent's activity feed. The wiring layer translates it into agent
// registry calls; the task registry itself never touches agent state.
type AgentTaskEvent struct {
	Type        SessionEventType
	TaskID      string
	Description string
}

// AgentSink receives agent change and removal notifications.
type AgentSink interface {
	AgentChanged(a Agent)
	AgentRemoved(agentID string)
}

// TaskSink receives task change and removal notifications plus the
// agent-facing task events. Removal carries the full task so subscribers
// can reach the owning agent after the record is gone.
type TaskSink interface {
	TaskChanged(t Task)
	TaskRemoved(t Task)
	AgentTaskEvent(agentID string, ev AgentTaskEvent)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
