package registry

import (
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentkanban/kanband/internal/config"
)

// recorder captures sink notifications for assertions.
type recorder struct {
	mu      sync.Mutex
	changed []Agent
	removed []string
}

func (r *recorder) AgentChanged(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, a)
}

func (r *recorder) AgentRemoved(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, agentID)
}

func (r *recorder) removedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.removed)
}

func (r *recorder) changedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changed)
}

func newTestAgents(t *testing.T) (*AgentRegistry, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg := config.LivenessConfig{
		HeartbeatTimeout: time.Hour, // never fires during a test
		HookTimeout:      time.Hour,
	}
	return NewAgents(cfg, rec), rec
}

func strptr(s string) *string { return &s }

func TestRegisterDefaults(t *testing.T) {
	reg, _ := newTestAgents(t)

	a := reg.Register("agent-12345678", "", RegisterOptions{})
	if a.Status != AgentIdle {
		t.Errorf("expected idle, got %s", a.Status)
	}
	if a.Name != "Agent-agent-12" {
		t.Errorf("unexpected default name %q", a.Name)
	}
	if a.Progress != 0 {
		t.Errorf("expected progress 0, got %d", a.Progress)
	}
	if a.ReporterKind != ReporterPersistent {
		t.Errorf("expected persistent kind, got %s", a.ReporterKind)
	}
	if len(a.Children) != 0 || len(a.RecentEvents) != 0 || len(a.TaskIDs) != 0 {
		t.Error("expected empty collections on fresh registration")
	}
}

func TestRegisterHookKindFallback(t *testing.T) {
	reg, _ := newTestAgents(t)

	a := reg.Register("claude-abc", "Hooked", RegisterOptions{})
	if a.ReporterKind != ReporterHook {
		t.Errorf("expected claude- prefix to register as hook, got %s", a.ReporterKind)
	}

	b := reg.Register("other", "Explicit", RegisterOptions{Kind: ReporterHook})
	if b.ReporterKind != ReporterHook {
		t.Errorf("expected explicit hook kind, got %s", b.ReporterKind)
	}
}

func TestParentChildSymmetry(t *testing.T) {
	reg, _ := newTestAgents(t)

	reg.Register("a1", "Parent", RegisterOptions{})
	reg.Register("a2", "Child", RegisterOptions{ParentAgentID: "a1"})

	parent := reg.GetAgent("a1")
	if !slices.Contains(parent.Children, "a2") {
		t.Fatalf("expected a1.children to contain a2, got %v", parent.Children)
	}
	child := reg.GetAgent("a2")
	if child.ParentAgentID != "a1" {
		t.Fatalf("expected a2.parentAgentId a1, got %q", child.ParentAgentID)
	}

	// Re-registering the child must not duplicate the link.
	reg.Register("a2", "Child", RegisterOptions{ParentAgentID: "a1"})
	parent = reg.GetAgent("a1")
	count := 0
	for _, id := range parent.Children {
		if id == "a2" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected a2 to appear once in a1.children, got %d", count)
	}

	// Re-registering under a different parent detaches from the old one.
	reg.Register("a3", "NewParent", RegisterOptions{})
	reg.Register("a2", "Child", RegisterOptions{ParentAgentID: "a3"})
	if slices.Contains(reg.GetAgent("a1").Children, "a2") {
		t.Error("expected a2 detached from a1 after reparenting")
	}
	if !slices.Contains(reg.GetAgent("a3").Children, "a2") {
		t.Error("expected a2 attached to a3 after reparenting")
	}
}

func TestReRegisterKeepsChildren(t *testing.T) {
	reg, _ := newTestAgents(t)

	reg.Register("p", "Parent", RegisterOptions{})
	reg.Register("c", "Child", RegisterOptions{ParentAgentID: "p"})

	reg.Register("p", "Parent again", RegisterOptions{})
	if !slices.Contains(reg.GetAgent("p").Children, "c") {
		t.Error("expected children preserved across re-register")
	}
	if reg.GetAgent("c").ParentAgentID != "p" {
		t.Error("expected child's parent link intact")
	}
}

func TestUpdateStatusTerminalRules(t *testing.T) {
	reg, rec := newTestAgents(t)
	reg.Register("a1", "A", RegisterOptions{})

	reg.UpdateStatus("a1", AgentCompleted, nil)
	before := rec.changedCount()

	// Terminal agents ignore everything except revival to working.
	a := reg.UpdateStatus("a1", AgentWaiting, strptr("should not apply"))
	if a == nil {
		t.Fatal("expected existing agent back, got nil")
	}
	if a.Status != AgentCompleted {
		t.Errorf("expected status unchanged, got %s", a.Status)
	}
	if a.TaskDescription == "should not apply" {
		t.Error("rejected update must not touch taskDescription")
	}
	if rec.changedCount() != before {
		t.Error("rejected update must not fire a change event")
	}

	// Revival: new work in an already-finished session.
	a = reg.UpdateStatus("a1", AgentWorking, strptr("new prompt"))
	if a.Status != AgentWorking {
		t.Errorf("expected revival to working, got %s", a.Status)
	}
	if a.TaskDescription != "new prompt" {
		t.Errorf("expected taskDescription updated, got %q", a.TaskDescription)
	}
	if a.Name != "A" {
		t.Error("revival must preserve other fields")
	}
}

func TestUpdateStatusUnknown(t *testing.T) {
	reg, _ := newTestAgents(t)
	if a := reg.UpdateStatus("nope", AgentWorking, nil); a != nil {
		t.Fatal("expected nil for unknown agent")
	}
}

func TestDeregisterCascade(t *testing.T) {
	reg, rec := newTestAgents(t)

	reg.Register("root", "Root", RegisterOptions{})
	reg.Register("c1", "C1", RegisterOptions{ParentAgentID: "root"})
	reg.Register("c2", "C2", RegisterOptions{ParentAgentID: "root"})
	reg.Register("g1", "G1", RegisterOptions{ParentAgentID: "c1"})

	if !reg.Deregister("root") {
		t.Fatal("expected deregister to succeed")
	}

	if n := reg.Count(); n != 0 {
		t.Errorf("expected empty registry, got %d agents", n)
	}
	removed := rec.removedIDs()
	if len(removed) != 4 {
		t.Errorf("expected 4 removal events, got %d (%v)", len(removed), removed)
	}

	if reg.Deregister("root") {
		t.Error("expected false for unknown agent")
	}
}

func TestDeregisterDetachesParent(t *testing.T) {
	reg, rec := newTestAgents(t)

	reg.Register("a1", "Parent", RegisterOptions{})
	reg.Register("a2", "Child", RegisterOptions{ParentAgentID: "a1"})

	reg.Deregister("a2")
	if slices.Contains(reg.GetAgent("a1").Children, "a2") {
		t.Error("expected a2 removed from a1.children")
	}
	if removed := rec.removedIDs(); len(removed) != 1 || removed[0] != "a2" {
		t.Errorf("expected one removal event for a2, got %v", removed)
	}
}

func TestRecentEventsBounded(t *testing.T) {
	reg, _ := newTestAgents(t)
	reg.Register("a1", "A", RegisterOptions{})

	for i := 0; i < 8; i++ {
		reg.AddRecentEvent("a1", SessionEvent{
			Type:        EventTaskCreated,
			Description: string(rune('a' + i)),
		})
	}

	a := reg.GetAgent("a1")
	if len(a.RecentEvents) != maxRecentEvents {
		t.Fatalf("expected %d events, got %d", maxRecentEvents, len(a.RecentEvents))
	}
	// Most recent first.
	if a.RecentEvents[0].Description != "h" {
		t.Errorf("expected newest event first, got %q", a.RecentEvents[0].Description)
	}
}

func TestSessionInfoPartialUpdate(t *testing.T) {
	reg, _ := newTestAgents(t)
	reg.Register("a1", "A", RegisterOptions{})

	reg.UpdateSessionInfo("a1", SessionInfo{Goal: strptr("ship it"), Blocker: strptr("ci red")})
	reg.UpdateSessionInfo("a1", SessionInfo{NextAction: strptr("fix tests")})

	a := reg.GetAgent("a1")
	if a.Goal != "ship it" || a.Blocker != "ci red" || a.NextAction != "fix tests" {
		t.Errorf("unexpected session info: goal=%q blocker=%q next=%q", a.Goal, a.Blocker, a.NextAction)
	}
}

func TestTaskMembershipIdempotent(t *testing.T) {
	reg, _ := newTestAgents(t)
	reg.Register("a1", "A", RegisterOptions{})

	reg.AddTask("a1", "t1")
	reg.AddTask("a1", "t1")
	if ids := reg.GetAgent("a1").TaskIDs; len(ids) != 1 {
		t.Errorf("expected one task id, got %v", ids)
	}

	reg.RemoveTask("a1", "t1")
	reg.RemoveTask("a1", "t1")
	if ids := reg.GetAgent("a1").TaskIDs; len(ids) != 0 {
		t.Errorf("expected no task ids, got %v", ids)
	}
}

func TestProgressClamped(t *testing.T) {
	reg, _ := newTestAgents(t)
	reg.Register("a1", "A", RegisterOptions{})

	reg.UpdateProgress("a1", 150)
	if p := reg.GetAgent("a1").Progress; p != 100 {
		t.Errorf("expected clamp to 100, got %d", p)
	}
	reg.UpdateProgress("a1", -3)
	if p := reg.GetAgent("a1").Progress; p != 0 {
		t.Errorf("expected clamp to 0, got %d", p)
	}
}

func TestHeartbeat(t *testing.T) {
	reg, _ := newTestAgents(t)
	reg.Register("a1", "A", RegisterOptions{})

	if !reg.Heartbeat("a1") {
		t.Error("expected heartbeat to succeed for known agent")
	}
	if reg.Heartbeat("ghost") {
		t.Error("expected heartbeat to fail for unknown agent")
	}
	if s := reg.GetAgent("a1").Status; s != AgentIdle {
		t.Errorf("heartbeat must not alter status, got %s", s)
	}
}

func TestLivenessExpiry(t *testing.T) {
	reg, _ := newTestAgents(t)

	reg.Register("a1", "A", RegisterOptions{})
	reg.UpdateStatus("a1", AgentWorking, nil)

	// Simulate the timer firing while the agent is working.
	reg.expire("a1")
	a := reg.GetAgent("a1")
	if a.Status != AgentError {
		t.Fatalf("expected error status after expiry, got %s", a.Status)
	}
	if !strings.Contains(a.TaskDescription, "timeout") {
		t.Errorf("expected timeout description, got %q", a.TaskDescription)
	}

	// Expiry on a completed agent changes nothing.
	reg.Register("a2", "B", RegisterOptions{})
	reg.UpdateStatus("a2", AgentCompleted, nil)
	reg.expire("a2")
	if s := reg.GetAgent("a2").Status; s != AgentCompleted {
		t.Errorf("expected completed untouched by expiry, got %s", s)
	}
}

func TestTerminalStateStopsTimer(t *testing.T) {
	reg, _ := newTestAgents(t)
	reg.Register("a1", "A", RegisterOptions{})

	reg.UpdateStatus("a1", AgentCompleted, nil)
	reg.mu.Lock()
	_, armed := reg.timers["a1"]
	reg.mu.Unlock()
	if armed {
		t.Error("expected no timer while terminal")
	}

	// Revival re-arms it.
	reg.UpdateStatus("a1", AgentWorking, nil)
	reg.mu.Lock()
	_, armed = reg.timers["a1"]
	reg.mu.Unlock()
	if !armed {
		t.Error("expected timer re-armed after revival")
	}
}

func TestTimerFires(t *testing.T) {
	rec := &recorder{}
	reg := NewAgents(config.LivenessConfig{
		HeartbeatTimeout: 20 * time.Millisecond,
		HookTimeout:      time.Hour,
	}, rec)

	reg.Register("a1", "A", RegisterOptions{})
	reg.UpdateStatus("a1", AgentWorking, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.GetAgent("a1").Status == AgentError {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for liveness expiry")
}
