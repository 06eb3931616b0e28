package registry

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agentkanban/kanband/internal/config"
)

// AgentRegistry is the single owner of agent state. All mutations run under
// one mutex; sink notifications are fired after the lock is released so
// subscribers may call back into the registry.
type AgentRegistry struct {
	mu     sync.Mutex
	agents map[string]*Agent
	timers map[string]*time.Timer
	cfg    config.LivenessConfig
	sink   AgentSink
}

// RegisterOptions carries the optional registration fields.
type RegisterOptions struct {
	ParentAgentID string
	TerminalInfo  TerminalInfo
	Prompt        string
	Kind          ReporterKind
}

func NewAgents(cfg config.LivenessConfig, sink AgentSink) *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*Agent),
		timers: make(map[string]*time.Timer),
		cfg:    cfg,
		sink:   sink,
	}
}

// Register creates an agent record, overwriting any existing record with the
// same id as a fresh one. Parent/child links are kept consistent: the new
// record inherits the children of the record it replaces, and a changed
// parent link detaches the agent from the previous parent.
func (r *AgentRegistry) Register(agentID, name string, opts RegisterOptions) Agent {
	now := nowMillis()

	kind := opts.Kind
	if kind == "" {
		// Legacy hook reporters that predate the explicit kind field are
		// recognized by their id prefix.
		if strings.HasPrefix(agentID, "claude-") {
			kind = ReporterHook
		} else {
			kind = ReporterPersistent
		}
	}

	if name == "" {
		name = "Agent-" + shortID(agentID)
	}

	r.mu.Lock()

	var events []func()

	var children []string
	if prev, ok := r.agents[agentID]; ok {
		children = prev.Children
		if prev.ParentAgentID != "" && prev.ParentAgentID != opts.ParentAgentID {
			if parent, ok := r.agents[prev.ParentAgentID]; ok {
				parent.Children = slices.DeleteFunc(parent.Children, func(id string) bool { return id == agentID })
				events = append(events, r.changedEvent(*parent))
			}
		}
	}
	if children == nil {
		children = []string{}
	}

	agent := &Agent{
		ID:              agentID,
		Name:            name,
		Prompt:          opts.Prompt,
		Status:          AgentIdle,
		TaskDescription: "",
		StartTime:       now,
		LastActivity:    now,
		ParentAgentID:   opts.ParentAgentID,
		Children:        children,
		TerminalInfo:    opts.TerminalInfo,
		ReporterKind:    kind,
		RecentEvents:    []SessionEvent{},
		TaskIDs:         []string{},
	}
	r.agents[agentID] = agent

	if opts.ParentAgentID != "" {
		if parent, ok := r.agents[opts.ParentAgentID]; ok {
			if !slices.Contains(parent.Children, agentID) {
				parent.Children = append(parent.Children, agentID)
				events = append(events, r.changedEvent(*parent))
			}
		}
	}

	r.resetTimerLocked(agentID, kind)
	events = append(events, r.changedEvent(*agent))
	out := cloneAgent(*agent)
	r.mu.Unlock()

	fire(events)
	slog.Info("agent registered", "agent", agentID, "name", name, "kind", kind)
	return out
}

// UpdateStatus applies a status transition. Terminal agents reject every
// update except revival to working (a new unit of work in the same session).
// Returns nil if the agent is unknown; a rejected transition returns the
// agent unchanged and fires no event.
func (r *AgentRegistry) UpdateStatus(agentID string, status AgentStatus, taskDescription *string) *Agent {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	if agent.Status.Terminal() && status != AgentWorking {
		out := cloneAgent(*agent)
		r.mu.Unlock()
		return &out
	}

	agent.Status = status
	agent.LastActivity = nowMillis()
	if taskDescription != nil {
		agent.TaskDescription = *taskDescription
	}

	if status.Terminal() {
		r.stopTimerLocked(agentID)
	} else {
		r.resetTimerLocked(agentID, agent.ReporterKind)
	}

	ev := r.changedEvent(*agent)
	out := cloneAgent(*agent)
	r.mu.Unlock()

	ev()
	return &out
}

// UpdateName sets the display name and, if non-nil, the last prompt.
func (r *AgentRegistry) UpdateName(agentID, name string, prompt *string) *Agent {
	return r.mutate(agentID, func(a *Agent) {
		a.Name = name
		if prompt != nil {
			a.Prompt = *prompt
		}
	})
}

func (r *AgentRegistry) UpdatePrompt(agentID, prompt string) *Agent {
	return r.mutate(agentID, func(a *Agent) {
		a.Prompt = prompt
	})
}

// Heartbeat bumps lastActivity and re-arms the liveness timer without
// touching status or firing a change event.
func (r *AgentRegistry) Heartbeat(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.LastActivity = nowMillis()
	if !agent.Status.Terminal() {
		r.resetTimerLocked(agentID, agent.ReporterKind)
	}
	return true
}

// UpdateSessionInfo partially updates the session-dashboard annotations.
// Nil fields are left unchanged.
func (r *AgentRegistry) UpdateSessionInfo(agentID string, info SessionInfo) *Agent {
	return r.mutate(agentID, func(a *Agent) {
		if info.Goal != nil {
			a.Goal = *info.Goal
		}
		if info.Blocker != nil {
			a.Blocker = *info.Blocker
		}
		if info.NextAction != nil {
			a.NextAction = *info.NextAction
		}
	})
}

// UpdateProgress sets the derived progress value, clamped to [0,100]. Only
// the board coordinator calls this; reporters never set progress directly.
func (r *AgentRegistry) UpdateProgress(agentID string, progress int) *Agent {
	return r.mutate(agentID, func(a *Agent) {
		a.Progress = min(100, max(0, progress))
	})
}

// AddTask attributes a task to the agent. Idempotent.
func (r *AgentRegistry) AddTask(agentID, taskID string) {
	r.mutateQuiet(agentID, func(a *Agent) bool {
		if slices.Contains(a.TaskIDs, taskID) {
			return false
		}
		a.TaskIDs = append(a.TaskIDs, taskID)
		return true
	})
}

// RemoveTask drops a task attribution. No-op if absent.
func (r *AgentRegistry) RemoveTask(agentID, taskID string) {
	r.mutateQuiet(agentID, func(a *Agent) bool {
		if !slices.Contains(a.TaskIDs, taskID) {
			return false
		}
		a.TaskIDs = slices.DeleteFunc(a.TaskIDs, func(id string) bool { return id == taskID })
		return true
	})
}

const maxRecentEvents = 5

// AddRecentEvent prepends an entry to the agent's activity feed, keeping
// only the most recent entries.
func (r *AgentRegistry) AddRecentEvent(agentID string, ev SessionEvent) *Agent {
	if ev.Timestamp == 0 {
		ev.Timestamp = nowMillis()
	}
	return r.mutate(agentID, func(a *Agent) {
		a.RecentEvents = append([]SessionEvent{ev}, a.RecentEvents...)
		if len(a.RecentEvents) > maxRecentEvents {
			a.RecentEvents = a.RecentEvents[:maxRecentEvents]
		}
	})
}

// Deregister removes the agent and, recursively, all of its children.
// Returns false if the agent is unknown.
func (r *AgentRegistry) Deregister(agentID string) bool {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	var events []func()

	if agent.ParentAgentID != "" {
		if parent, ok := r.agents[agent.ParentAgentID]; ok {
			parent.Children = slices.DeleteFunc(parent.Children, func(id string) bool { return id == agentID })
			events = append(events, r.changedEvent(*parent))
		}
	}

	r.deregisterLocked(agentID, &events)
	r.mu.Unlock()

	fire(events)
	return true
}

// deregisterLocked tears down one agent and its subtree, appending a removal
// event per agent. The parent detach is handled by the caller.
func (r *AgentRegistry) deregisterLocked(agentID string, events *[]func()) {
	agent, ok := r.agents[agentID]
	if !ok {
		return
	}

	r.stopTimerLocked(agentID)

	for _, childID := range agent.Children {
		r.deregisterLocked(childID, events)
	}

	delete(r.agents, agentID)
	id := agentID
	*events = append(*events, func() {
		if r.sink != nil {
			r.sink.AgentRemoved(id)
		}
	})
	slog.Info("agent deregistered", "agent", agentID)
}

func (r *AgentRegistry) GetAgent(agentID string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := cloneAgent(*agent)
	return &out
}

func (r *AgentRegistry) GetAllAgents() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(*a))
	}
	return out
}

func (r *AgentRegistry) GetAgentsByStatus(status AgentStatus) []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Agent
	for _, a := range r.agents {
		if a.Status == status {
			out = append(out, cloneAgent(*a))
		}
	}
	return out
}

func (r *AgentRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// mutate applies fn to the agent, bumps lastActivity and fires a change
// event. Returns nil if the agent is unknown.
func (r *AgentRegistry) mutate(agentID string, fn func(*Agent)) *Agent {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	fn(agent)
	agent.LastActivity = nowMillis()
	ev := r.changedEvent(*agent)
	out := cloneAgent(*agent)
	r.mu.Unlock()

	ev()
	return &out
}

// mutateQuiet applies fn and fires a change event only when fn reports an
// actual mutation.
func (r *AgentRegistry) mutateQuiet(agentID string, fn func(*Agent) bool) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !fn(agent) {
		r.mu.Unlock()
		return
	}
	agent.LastActivity = nowMillis()
	ev := r.changedEvent(*agent)
	r.mu.Unlock()

	ev()
}

// resetTimerLocked arms (or re-arms) the liveness timer. Exactly one timer
// exists per non-terminal agent.
func (r *AgentRegistry) resetTimerLocked(agentID string, kind ReporterKind) {
	r.stopTimerLocked(agentID)

	timeout := r.cfg.HeartbeatTimeout
	if kind == ReporterHook {
		timeout = r.cfg.HookTimeout
	}
	if timeout <= 0 {
		return
	}

	r.timers[agentID] = time.AfterFunc(timeout, func() {
		r.expire(agentID)
	})
}

func (r *AgentRegistry) stopTimerLocked(agentID string) {
	if t, ok := r.timers[agentID]; ok {
		t.Stop()
		delete(r.timers, agentID)
	}
}

// expire is the liveness timer callback: a silent agent that is not already
// terminal is forced into the error column.
func (r *AgentRegistry) expire(agentID string) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok || agent.Status.Terminal() {
		r.mu.Unlock()
		return
	}

	agent.Status = AgentError
	agent.TaskDescription = "Connection lost (heartbeat timeout)"
	agent.LastActivity = nowMillis()
	r.stopTimerLocked(agentID)

	ev := r.changedEvent(*agent)
	r.mu.Unlock()

	slog.Warn("agent heartbeat timeout", "agent", agentID)
	ev()
}

func (r *AgentRegistry) changedEvent(snapshot Agent) func() {
	c := cloneAgent(snapshot)
	return func() {
		if r.sink != nil {
			r.sink.AgentChanged(c)
		}
	}
}

func fire(events []func()) {
	for _, ev := range events {
		ev()
	}
}

func cloneAgent(a Agent) Agent {
	a.Children = slices.Clone(a.Children)
	a.RecentEvents = slices.Clone(a.RecentEvents)
	a.TaskIDs = slices.Clone(a.TaskIDs)
	return a
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
