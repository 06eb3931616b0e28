package web

import (
	"testing"
	"time"

	"github.com/agentkanban/kanband/internal/board"
	"github.com/agentkanban/kanband/internal/config"
	"github.com/agentkanban/kanband/internal/registry"
)

type nullBroadcaster struct{}

func (nullBroadcaster) AgentChanged(registry.Agent) {}
func (nullBroadcaster) AgentRemoved(string)         {}
func (nullBroadcaster) TaskChanged(registry.Task)   {}
func (nullBroadcaster) TaskRemoved(string)          {}

func newTestIngest(t *testing.T) (*Ingest, *registry.AgentRegistry, *registry.TaskRegistry) {
	t.Helper()
	coord := board.NewCoordinator(nullBroadcaster{})
	agents := registry.NewAgents(config.LivenessConfig{
		HeartbeatTimeout: time.Hour,
		HookTimeout:      time.Hour,
	}, coord)
	tasks := registry.NewTasks(coord)
	coord.Bind(agents, tasks)
	return NewIngest(agents, tasks), agents, tasks
}

func sp(s string) *string { return &s }

func TestRegisterMissingAgentID(t *testing.T) {
	in, agents, _ := newTestIngest(t)

	ack := in.Handle(Envelope{Type: "agent:register", Payload: Payload{Name: sp("A")}})
	if ack == nil || ack.Type != "error" {
		t.Fatalf("expected error ack, got %+v", ack)
	}
	if ack.Code != "missing_agent_id" {
		t.Errorf("unexpected code %q", ack.Code)
	}
	if agents.Count() != 0 {
		t.Error("malformed register must not create an agent")
	}
}

func TestRegisterInvalidStatusLeavesNoState(t *testing.T) {
	in, agents, _ := newTestIngest(t)

	ack := in.Handle(Envelope{
		Type:    "agent:register",
		AgentID: "p1",
		Payload: Payload{Name: sp("A"), Status: sp("bogus")},
	})
	if ack == nil || ack.Code != "invalid_status" {
		t.Fatalf("expected invalid_status ack, got %+v", ack)
	}
	if agents.Count() != 0 {
		t.Errorf("rejected register must not create an agent, registry has %d", agents.Count())
	}
}

func TestRegisterAck(t *testing.T) {
	in, agents, _ := newTestIngest(t)

	ack := in.Handle(Envelope{
		Type:    "agent:register",
		AgentID: "a1",
		Payload: Payload{
			Name:         sp("Agent One"),
			TerminalInfo: &registry.TerminalInfo{PID: 42, Cwd: "/src"},
		},
	})
	if ack == nil || ack.Type != "registered" || ack.AgentID != "a1" {
		t.Fatalf("expected registered ack for a1, got %+v", ack)
	}

	a := agents.GetAgent("a1")
	if a == nil {
		t.Fatal("expected agent created")
	}
	if a.TerminalInfo.PID != 42 {
		t.Errorf("expected terminal info recorded, got %+v", a.TerminalInfo)
	}
}

func TestUpdateInvalidStatus(t *testing.T) {
	in, agents, _ := newTestIngest(t)
	in.Handle(Envelope{Type: "agent:register", AgentID: "a1", Payload: Payload{Name: sp("A")}})

	ack := in.Handle(Envelope{Type: "agent:update", AgentID: "a1", Payload: Payload{Status: sp("zombie")}})
	if ack == nil || ack.Code != "invalid_status" {
		t.Fatalf("expected invalid_status ack, got %+v", ack)
	}
	if s := agents.GetAgent("a1").Status; s != registry.AgentIdle {
		t.Errorf("invalid status must not touch state, got %s", s)
	}
}

func TestAutoRegisterOnFirstUpdate(t *testing.T) {
	in, agents, _ := newTestIngest(t)

	ack := in.Handle(Envelope{
		Type:    "agent:update",
		AgentID: "claude-xyz",
		Payload: Payload{Name: sp("Hooked"), Status: sp("working"), TaskDescription: sp("editing")},
	})
	if ack != nil {
		t.Fatalf("expected silent success, got %+v", ack)
	}

	a := agents.GetAgent("claude-xyz")
	if a == nil {
		t.Fatal("expected auto-registered agent")
	}
	if a.Status != registry.AgentWorking || a.TaskDescription != "editing" {
		t.Errorf("unexpected state %s %q", a.Status, a.TaskDescription)
	}
	if a.ReporterKind != registry.ReporterHook {
		t.Errorf("expected hook kind via prefix fallback, got %s", a.ReporterKind)
	}
}

func TestAutoRegisterHonorsReporterKind(t *testing.T) {
	in, agents, _ := newTestIngest(t)

	// Hook reporter without the legacy id prefix: the explicit kind must
	// carry through, or the agent would get persistent-reporter handling.
	ack := in.Handle(Envelope{
		Type:    "agent:update",
		AgentID: "worker-7",
		Payload: Payload{Status: sp("working"), ReporterKind: sp("hook")},
	})
	if ack != nil {
		t.Fatalf("expected silent success, got %+v", ack)
	}
	a := agents.GetAgent("worker-7")
	if a == nil {
		t.Fatal("expected auto-registered agent")
	}
	if a.ReporterKind != registry.ReporterHook {
		t.Errorf("expected hook kind, got %s", a.ReporterKind)
	}

	ack = in.Handle(Envelope{
		Type:    "agent:update",
		AgentID: "worker-8",
		Payload: Payload{Status: sp("working"), ReporterKind: sp("alien")},
	})
	if ack == nil || ack.Code != "invalid_reporter_kind" {
		t.Fatalf("expected invalid_reporter_kind ack, got %+v", ack)
	}
	if agents.GetAgent("worker-8") != nil {
		t.Error("rejected update must not auto-register an agent")
	}
}

func TestUpdateUnknownTypeRejected(t *testing.T) {
	in, _, _ := newTestIngest(t)
	ack := in.Handle(Envelope{Type: "agent:destroy", AgentID: "a1"})
	if ack == nil || ack.Code != "unknown_type" {
		t.Fatalf("expected unknown_type ack, got %+v", ack)
	}
}

func TestHeartbeatNotFoundSilentlyIgnored(t *testing.T) {
	in, _, _ := newTestIngest(t)
	if ack := in.Handle(Envelope{Type: "agent:heartbeat", AgentID: "ghost"}); ack != nil {
		t.Fatalf("not-found heartbeat must be silent, got %+v", ack)
	}
}

func TestTaskCreateRequiresAgent(t *testing.T) {
	in, _, tasks := newTestIngest(t)

	// Unknown agent: dropped without an error ack.
	if ack := in.Handle(Envelope{Type: "task:create", TaskID: "t1", AgentID: "ghost"}); ack != nil {
		t.Fatalf("expected silent drop, got %+v", ack)
	}
	if tasks.GetTask("t1") != nil {
		t.Error("task must not exist without a known agent")
	}

	// Missing id fields are validation failures.
	if ack := in.Handle(Envelope{Type: "task:create", AgentID: "a1"}); ack == nil || ack.Code != "missing_task_id" {
		t.Fatalf("expected missing_task_id, got %+v", ack)
	}
	if ack := in.Handle(Envelope{Type: "task:create", TaskID: "t1"}); ack == nil || ack.Code != "missing_agent_id" {
		t.Fatalf("expected missing_agent_id, got %+v", ack)
	}
}

func TestTaskLifecycleViaEnvelopes(t *testing.T) {
	in, agents, tasks := newTestIngest(t)

	in.Handle(Envelope{Type: "agent:register", AgentID: "a1", Payload: Payload{Name: sp("A")}})
	in.Handle(Envelope{Type: "task:create", TaskID: "t1", AgentID: "a1", Payload: Payload{Title: sp("Fix bug"), Status: sp("doing")}})
	in.Handle(Envelope{Type: "task:update", TaskID: "t1", Payload: Payload{Status: sp("done"), Result: sp("fixed")}})

	task := tasks.GetTask("t1")
	if task == nil || task.Status != registry.TaskDone || task.Result != "fixed" {
		t.Fatalf("unexpected task %+v", task)
	}
	if p := agents.GetAgent("a1").Progress; p != 100 {
		t.Errorf("expected progress 100, got %d", p)
	}
}

func TestSessionInfoViaUpdate(t *testing.T) {
	in, agents, _ := newTestIngest(t)
	in.Handle(Envelope{Type: "agent:register", AgentID: "a1", Payload: Payload{Name: sp("A")}})

	in.Handle(Envelope{Type: "agent:update", AgentID: "a1", Payload: Payload{Goal: sp("green CI")}})
	in.Handle(Envelope{Type: "agent:update", AgentID: "a1", Payload: Payload{Blocker: sp("flaky test")}})

	a := agents.GetAgent("a1")
	if a.Goal != "green CI" || a.Blocker != "flaky test" {
		t.Errorf("unexpected session info goal=%q blocker=%q", a.Goal, a.Blocker)
	}
}

func TestDeregisterViaEnvelope(t *testing.T) {
	in, agents, _ := newTestIngest(t)
	in.Handle(Envelope{Type: "agent:register", AgentID: "a1", Payload: Payload{Name: sp("A")}})

	if ack := in.Handle(Envelope{Type: "agent:deregister", AgentID: "a1"}); ack != nil {
		t.Fatalf("expected silent deregister, got %+v", ack)
	}
	if agents.GetAgent("a1") != nil {
		t.Error("expected agent gone")
	}
}
