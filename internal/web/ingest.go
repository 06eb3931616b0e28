package web

import (
	"fmt"
	"log/slog"

	"github.com/agentkanban/kanband/internal/registry"
)

// Envelope is the common inbound message frame shared by all reporters.
type Envelope struct {
	Type          string  `json:"type"`
	AgentID       string  `json:"agentId,omitempty"`
	TaskID        string  `json:"taskId,omitempty"`
	ParentAgentID string  `json:"parentAgentId,omitempty"`
	Timestamp     int64   `json:"timestamp,omitempty"`
	Payload       Payload `json:"payload"`
}

// Payload carries the optional fields of every message type; pointers
// distinguish "absent" from "set to empty".
type Payload struct {
	Name            *string                `json:"name,omitempty"`
	Prompt          *string                `json:"prompt,omitempty"`
	Status          *string                `json:"status,omitempty"`
	TaskDescription *string                `json:"taskDescription,omitempty"`
	Goal            *string                `json:"goal,omitempty"`
	Blocker         *string                `json:"blocker,omitempty"`
	NextAction      *string                `json:"nextAction,omitempty"`
	TerminalInfo    *registry.TerminalInfo `json:"terminalInfo,omitempty"`
	ReporterKind    *string                `json:"reporterKind,omitempty"`
	Title           *string                `json:"title,omitempty"`
	Result          *string                `json:"result,omitempty"`
	OutputLink      *string                `json:"outputLink,omitempty"`
}

// Ack is sent back on the reporter connection. Error acks only occur for
// malformed messages; not-found conditions on updates are silently ignored
// because fire-and-forget reporters cannot act on a reply.
type Ack struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func errAck(code, format string, args ...any) *Ack {
	return &Ack{Type: "error", Code: code, Message: fmt.Sprintf(format, args...)}
}

// Ingest validates inbound reporter messages and forwards them to the
// registries. Malformed messages never reach registry state.
type Ingest struct {
	agents *registry.AgentRegistry
	tasks  *registry.TaskRegistry
}

func NewIngest(agents *registry.AgentRegistry, tasks *registry.TaskRegistry) *Ingest {
	return &Ingest{agents: agents, tasks: tasks}
}

// Handle processes one envelope and returns the ack to send, or nil when no
// reply is warranted.
func (in *Ingest) Handle(env Envelope) *Ack {
	switch env.Type {
	case "agent:register":
		return in.handleRegister(env)
	case "agent:update":
		return in.handleAgentUpdate(env)
	case "agent:heartbeat":
		if env.AgentID == "" {
			return errAck("missing_agent_id", "agent:heartbeat requires agentId")
		}
		in.agents.Heartbeat(env.AgentID)
		return nil
	case "agent:deregister":
		if env.AgentID == "" {
			return errAck("missing_agent_id", "agent:deregister requires agentId")
		}
		in.agents.Deregister(env.AgentID)
		return nil
	case "task:create":
		return in.handleTaskCreate(env)
	case "task:update":
		return in.handleTaskUpdate(env)
	default:
		return errAck("unknown_type", "unknown message type %q", env.Type)
	}
}

func (in *Ingest) handleRegister(env Envelope) *Ack {
	if env.AgentID == "" {
		return errAck("missing_agent_id", "agent:register requires agentId")
	}

	opts := registry.RegisterOptions{
		ParentAgentID: env.ParentAgentID,
	}
	if env.Payload.TerminalInfo != nil {
		opts.TerminalInfo = *env.Payload.TerminalInfo
	}
	if env.Payload.Prompt != nil {
		opts.Prompt = *env.Payload.Prompt
	}
	if env.Payload.ReporterKind != nil {
		kind := registry.ReporterKind(*env.Payload.ReporterKind)
		if kind != registry.ReporterPersistent && kind != registry.ReporterHook {
			return errAck("invalid_reporter_kind", "unknown reporter kind %q", *env.Payload.ReporterKind)
		}
		opts.Kind = kind
	}

	// An initial status may ride along with the registration. Validate it
	// before touching the registry so a rejected message leaves no state.
	var status *registry.AgentStatus
	if env.Payload.Status != nil {
		st := registry.AgentStatus(*env.Payload.Status)
		if !st.Valid() {
			return errAck("invalid_status", "unknown agent status %q", *env.Payload.Status)
		}
		status = &st
	}

	name := ""
	if env.Payload.Name != nil {
		name = *env.Payload.Name
	}

	agent := in.agents.Register(env.AgentID, name, opts)

	if status != nil {
		in.agents.UpdateStatus(env.AgentID, *status, env.Payload.TaskDescription)
	}

	return &Ack{Type: "registered", AgentID: agent.ID}
}

func (in *Ingest) handleAgentUpdate(env Envelope) *Ack {
	if env.AgentID == "" {
		return errAck("missing_agent_id", "agent:update requires agentId")
	}

	var status *registry.AgentStatus
	if env.Payload.Status != nil {
		st := registry.AgentStatus(*env.Payload.Status)
		if !st.Valid() {
			return errAck("invalid_status", "unknown agent status %q", *env.Payload.Status)
		}
		status = &st
	}

	// First update from a hook reporter may arrive before any explicit
	// register; create the record on the fly. The reporter kind carries
	// through so auto-registered agents get the right timeout and
	// disconnect handling.
	if in.agents.GetAgent(env.AgentID) == nil {
		name := ""
		if env.Payload.Name != nil {
			name = *env.Payload.Name
		}
		opts := registry.RegisterOptions{ParentAgentID: env.ParentAgentID}
		if env.Payload.Prompt != nil {
			opts.Prompt = *env.Payload.Prompt
		}
		if env.Payload.ReporterKind != nil {
			kind := registry.ReporterKind(*env.Payload.ReporterKind)
			if kind != registry.ReporterPersistent && kind != registry.ReporterHook {
				return errAck("invalid_reporter_kind", "unknown reporter kind %q", *env.Payload.ReporterKind)
			}
			opts.Kind = kind
		}
		in.agents.Register(env.AgentID, name, opts)
		slog.Info("agent auto-registered on first update", "agent", env.AgentID)
	}

	if env.Payload.Name != nil {
		in.agents.UpdateName(env.AgentID, *env.Payload.Name, env.Payload.Prompt)
	} else if env.Payload.Prompt != nil {
		in.agents.UpdatePrompt(env.AgentID, *env.Payload.Prompt)
	}

	if status != nil {
		in.agents.UpdateStatus(env.AgentID, *status, env.Payload.TaskDescription)
	}

	if env.Payload.Goal != nil || env.Payload.Blocker != nil || env.Payload.NextAction != nil {
		in.agents.UpdateSessionInfo(env.AgentID, registry.SessionInfo{
			Goal:       env.Payload.Goal,
			Blocker:    env.Payload.Blocker,
			NextAction: env.Payload.NextAction,
		})
	}

	return nil
}

func (in *Ingest) handleTaskCreate(env Envelope) *Ack {
	if env.TaskID == "" {
		return errAck("missing_task_id", "task:create requires taskId")
	}
	if env.AgentID == "" {
		return errAck("missing_agent_id", "task:create requires agentId")
	}

	status := registry.TaskStatus("")
	if env.Payload.Status != nil {
		status = registry.TaskStatus(*env.Payload.Status)
		if !status.Valid() {
			return errAck("invalid_status", "unknown task status %q", *env.Payload.Status)
		}
	}

	// A task cannot exist without a known owning agent.
	if in.agents.GetAgent(env.AgentID) == nil {
		slog.Warn("task create for unknown agent dropped", "task", env.TaskID, "agent", env.AgentID)
		return nil
	}

	title, prompt := "", ""
	if env.Payload.Title != nil {
		title = *env.Payload.Title
	}
	if env.Payload.Prompt != nil {
		prompt = *env.Payload.Prompt
	}

	in.tasks.Create(env.TaskID, env.AgentID, title, prompt, status)
	return nil
}

func (in *Ingest) handleTaskUpdate(env Envelope) *Ack {
	if env.TaskID == "" {
		return errAck("missing_task_id", "task:update requires taskId")
	}

	if env.Payload.Status != nil {
		status := registry.TaskStatus(*env.Payload.Status)
		if !status.Valid() {
			return errAck("invalid_status", "unknown task status %q", *env.Payload.Status)
		}
		in.tasks.UpdateStatus(env.TaskID, status, env.Payload.Result, env.Payload.OutputLink)
		return nil
	}

	if env.Payload.Result != nil {
		in.tasks.UpdateResult(env.TaskID, *env.Payload.Result, env.Payload.OutputLink)
	}
	return nil
}
