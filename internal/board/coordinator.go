// Package board wires the two registries together without coupling them.
// The coordinator subscribes to task-registry events and issues the
// corresponding agent-registry calls: activity feed entries, task
// membership, and the derived progress value.
package board

import (
	"github.com/agentkanban/kanband/internal/registry"
)

// Broadcaster receives the outbound change/removal events destined for
// dashboard observers.
type Broadcaster interface {
	AgentChanged(a registry.Agent)
	AgentRemoved(agentID string)
	TaskChanged(t registry.Task)
	TaskRemoved(taskID string)
}

// Coordinator implements both registry sink interfaces. Registry events pass
// through to the broadcaster, while agent task events are translated into
// agent mutations (which in turn produce their own agent-changed events).
type Coordinator struct {
	agents *registry.AgentRegistry
	tasks  *registry.TaskRegistry
	out    Broadcaster
}

func NewCoordinator(out Broadcaster) *Coordinator {
	return &Coordinator{out: out}
}

// Bind attaches the registries after construction; the registries need the
// coordinator as their sink, so the wiring is a two-step handshake.
func (c *Coordinator) Bind(agents *registry.AgentRegistry, tasks *registry.TaskRegistry) {
	c.agents = agents
	c.tasks = tasks
}

func (c *Coordinator) AgentChanged(a registry.Agent) {
	if c.out != nil {
		c.out.AgentChanged(a)
	}
}

// AgentRemoved cascades the removal to the agent's tasks before forwarding
// the event.
func (c *Coordinator) AgentRemoved(agentID string) {
	if c.tasks != nil {
		c.tasks.DeleteTasksByAgent(agentID)
	}
	if c.out != nil {
		c.out.AgentRemoved(agentID)
	}
}

func (c *Coordinator) TaskChanged(t registry.Task) {
	if c.out != nil {
		c.out.TaskChanged(t)
	}
}

// TaskRemoved detaches the task from its owning agent and refreshes the
// agent's progress.
func (c *Coordinator) TaskRemoved(t registry.Task) {
	if c.agents != nil {
		c.agents.RemoveTask(t.AgentID, t.ID)
		c.agents.UpdateProgress(t.AgentID, c.tasks.CalculateAgentProgress(t.AgentID))
	}
	if c.out != nil {
		c.out.TaskRemoved(t.ID)
	}
}

// AgentTaskEvent feeds a synthesized task event into the owning agent's
// recent activity and recomputes its progress.
func (c *Coordinator) AgentTaskEvent(agentID string, ev registry.AgentTaskEvent) {
	if c.agents == nil || c.tasks == nil {
		return
	}
	if ev.Type == registry.EventTaskCreated {
		c.agents.AddTask(agentID, ev.TaskID)
	}
	c.agents.AddRecentEvent(agentID, registry.SessionEvent{
		Type:        ev.Type,
		Description: ev.Description,
		TaskID:      ev.TaskID,
	})
	c.agents.UpdateProgress(agentID, c.tasks.CalculateAgentProgress(agentID))
}
