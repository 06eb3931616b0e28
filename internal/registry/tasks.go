package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

const maxStatusHistory = 20

// TaskRegistry owns task state and status-history bookkeeping. It knows
// nothing about the agent registry; agent-facing side effects are emitted as
// AgentTaskEvents on the sink and translated by the board coordinator.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	sink  TaskSink
}

func NewTasks(sink TaskSink) *TaskRegistry {
	return &TaskRegistry{
		tasks: make(map[string]*Task),
		sink:  sink,
	}
}

// Create registers a new task for an agent. The zero value of initialStatus
// defaults to doing, matching reporters that create a task the moment work
// starts on it. A task born terminal (a reporter mirroring already finished
// work) gets its endTime stamped here, since terminal tasks reject all
// later status updates.
func (r *TaskRegistry) Create(taskID, agentID, title, prompt string, initialStatus TaskStatus) Task {
	if initialStatus == "" {
		initialStatus = TaskDoing
	}

	now := nowMillis()
	task := &Task{
		ID:            taskID,
		AgentID:       agentID,
		Title:         title,
		Prompt:        prompt,
		Status:        initialStatus,
		StartTime:     now,
		StatusHistory: []TaskStatusChange{},
	}
	if initialStatus.Terminal() {
		task.EndTime = now
	}

	r.mu.Lock()
	r.tasks[taskID] = task
	out := cloneTask(*task)
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.TaskChanged(out)
		r.sink.AgentTaskEvent(agentID, AgentTaskEvent{
			Type:        EventTaskCreated,
			TaskID:      taskID,
			Description: fmt.Sprintf("Task %q created", title),
		})
		switch initialStatus {
		case TaskDone:
			r.sink.AgentTaskEvent(agentID, AgentTaskEvent{
				Type:        EventTaskCompleted,
				TaskID:      taskID,
				Description: fmt.Sprintf("Task %q completed", title),
			})
		case TaskFailed:
			r.sink.AgentTaskEvent(agentID, AgentTaskEvent{
				Type:        EventTaskFailed,
				TaskID:      taskID,
				Description: fmt.Sprintf("Task %q failed", title),
			})
		}
	}

	slog.Info("task created", "task", taskID, "agent", agentID)
	return out
}

// UpdateStatus moves a task through its state machine. Real transitions are
// appended to the bounded history; redundant same-status updates are not.
// A task already in done/failed rejects further status updates, so endTime
// is stamped exactly once. Returns nil if the task is unknown.
func (r *TaskRegistry) UpdateStatus(taskID string, status TaskStatus, result, outputLink *string) *Task {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	if task.Status.Terminal() {
		out := cloneTask(*task)
		r.mu.Unlock()
		return &out
	}

	now := nowMillis()
	oldStatus := task.Status

	if oldStatus != status {
		task.StatusHistory = append(task.StatusHistory, TaskStatusChange{
			From:      oldStatus,
			To:        status,
			Timestamp: now,
		})
		if len(task.StatusHistory) > maxStatusHistory {
			task.StatusHistory = task.StatusHistory[len(task.StatusHistory)-maxStatusHistory:]
		}
	}

	task.Status = status
	if result != nil {
		task.Result = *result
	}
	if outputLink != nil {
		task.OutputLink = *outputLink
	}

	var agentEvent *AgentTaskEvent
	if status.Terminal() {
		task.EndTime = now

		ev := AgentTaskEvent{TaskID: taskID}
		if status == TaskDone {
			ev.Type = EventTaskCompleted
			ev.Description = fmt.Sprintf("Task %q completed", task.Title)
		} else {
			ev.Type = EventTaskFailed
			ev.Description = fmt.Sprintf("Task %q failed", task.Title)
		}
		agentEvent = &ev
	} else if status == TaskDoing && oldStatus == TaskTodo {
		agentEvent = &AgentTaskEvent{
			Type:        EventTaskStarted,
			TaskID:      taskID,
			Description: fmt.Sprintf("Task %q started", task.Title),
		}
	}

	agentID := task.AgentID
	out := cloneTask(*task)
	r.mu.Unlock()

	if r.sink != nil {
		if agentEvent != nil {
			r.sink.AgentTaskEvent(agentID, *agentEvent)
		}
		r.sink.TaskChanged(out)
	}

	slog.Info("task status", "task", taskID, "from", oldStatus, "to", status)
	return &out
}

// UpdateResult sets the result fields without touching status or history.
func (r *TaskRegistry) UpdateResult(taskID, result string, outputLink *string) *Task {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	task.Result = result
	if outputLink != nil {
		task.OutputLink = *outputLink
	}
	out := cloneTask(*task)
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.TaskChanged(out)
	}
	return &out
}

// Delete removes a task. Returns false if unknown.
func (r *TaskRegistry) Delete(taskID string) bool {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tasks, taskID)
	out := cloneTask(*task)
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.TaskRemoved(out)
	}
	slog.Info("task deleted", "task", taskID)
	return true
}

// DeleteTasksByAgent bulk-deletes an agent's tasks, used when the agent is
// deregistered.
func (r *TaskRegistry) DeleteTasksByAgent(agentID string) int {
	r.mu.Lock()
	var removed []Task
	for id, t := range r.tasks {
		if t.AgentID == agentID {
			removed = append(removed, cloneTask(*t))
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()

	if r.sink != nil {
		for _, t := range removed {
			r.sink.TaskRemoved(t)
		}
	}
	if len(removed) > 0 {
		slog.Info("tasks deleted with agent", "agent", agentID, "count", len(removed))
	}
	return len(removed)
}

func (r *TaskRegistry) GetTask(taskID string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil
	}
	out := cloneTask(*task)
	return &out
}

func (r *TaskRegistry) GetAllTasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, cloneTask(*t))
	}
	return out
}

func (r *TaskRegistry) GetTasksByAgent(agentID string) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Task
	for _, t := range r.tasks {
		if t.AgentID == agentID {
			out = append(out, cloneTask(*t))
		}
	}
	return out
}

func (r *TaskRegistry) GetTasksByStatus(status TaskStatus) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Task
	for _, t := range r.tasks {
		if t.Status == status {
			out = append(out, cloneTask(*t))
		}
	}
	return out
}

// CalculateAgentProgress returns round(100 * done / total) over the agent's
// tasks, or 0 when the agent has none.
func (r *TaskRegistry) CalculateAgentProgress(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total, done := 0, 0
	for _, t := range r.tasks {
		if t.AgentID != agentID {
			continue
		}
		total++
		if t.Status == TaskDone {
			done++
		}
	}
	if total == 0 {
		return 0
	}
	return int(float64(done)/float64(total)*100 + 0.5)
}

// TaskStats holds per-agent task counts for the dashboard stats panel.
type TaskStats struct {
	Total  int `json:"total"`
	Todo   int `json:"todo"`
	Doing  int `json:"doing"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

func (r *TaskRegistry) GetAgentTaskStats(agentID string) TaskStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats TaskStats
	for _, t := range r.tasks {
		if t.AgentID != agentID {
			continue
		}
		stats.Total++
		switch t.Status {
		case TaskTodo:
			stats.Todo++
		case TaskDoing:
			stats.Doing++
		case TaskDone:
			stats.Done++
		case TaskFailed:
			stats.Failed++
		}
	}
	return stats
}

func cloneTask(t Task) Task {
	t.StatusHistory = slices.Clone(t.StatusHistory)
	return t
}
