package janitor

import (
	"testing"
	"time"

	"github.com/agentkanban/kanband/internal/config"
	"github.com/agentkanban/kanband/internal/registry"
)

type noopSink struct{}

func (noopSink) AgentChanged(registry.Agent) {}
func (noopSink) AgentRemoved(string)         {}

func newTestJanitor(t *testing.T, retention time.Duration) (*Janitor, *registry.AgentRegistry) {
	t.Helper()
	agents := registry.NewAgents(config.LivenessConfig{
		HeartbeatTimeout: time.Hour,
		HookTimeout:      time.Hour,
	}, noopSink{})
	j, err := New(agents, config.JanitorConfig{
		Enabled:   true,
		Schedule:  "0 * * * *",
		Retention: retention,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return j, agents
}

func TestNewRejectsBadConfig(t *testing.T) {
	agents := registry.NewAgents(config.LivenessConfig{HeartbeatTimeout: time.Hour, HookTimeout: time.Hour}, noopSink{})

	if _, err := New(agents, config.JanitorConfig{Schedule: "not a cron", Retention: time.Hour}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := New(agents, config.JanitorConfig{Schedule: "0 * * * *"}); err == nil {
		t.Error("expected error for zero retention")
	}
}

func TestSweepPrunesStaleTerminalAgents(t *testing.T) {
	j, agents := newTestJanitor(t, 24*time.Hour)

	agents.Register("done-agent", "", registry.RegisterOptions{})
	agents.UpdateStatus("done-agent", registry.AgentCompleted, nil)
	agents.Register("busy-agent", "", registry.RegisterOptions{})
	agents.UpdateStatus("busy-agent", registry.AgentWorking, nil)

	// Inside the retention window nothing is touched.
	if removed := j.Sweep(time.Now()); removed != 0 {
		t.Fatalf("expected no removals inside retention window, got %d", removed)
	}

	// Past the window only the terminal agent goes.
	if removed := j.Sweep(time.Now().Add(25 * time.Hour)); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if agents.GetAgent("done-agent") != nil {
		t.Error("terminal agent still registered after sweep")
	}
	if agents.GetAgent("busy-agent") == nil {
		t.Error("working agent was pruned")
	}
}

func TestSweepFollowsCascades(t *testing.T) {
	j, agents := newTestJanitor(t, time.Hour)

	agents.Register("parent", "", registry.RegisterOptions{})
	agents.Register("child", "", registry.RegisterOptions{ParentAgentID: "parent"})
	agents.UpdateStatus("parent", registry.AgentCompleted, nil)
	agents.UpdateStatus("child", registry.AgentCompleted, nil)

	// Pruning the parent cascades to the child; the sweep must not count
	// or double-remove agents that vanished mid-pass.
	removed := j.Sweep(time.Now().Add(2 * time.Hour))
	if removed < 1 || removed > 2 {
		t.Fatalf("unexpected removal count %d", removed)
	}
	if agents.Count() != 0 {
		t.Fatalf("expected empty registry, got %d agents", agents.Count())
	}
}
