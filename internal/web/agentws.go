package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agentkanban/kanband/internal/registry"
)

// handleReporter serves the inbound reporter websocket. Each connection
// carries the envelope protocol; messages are validated and dispatched, and
// error acks go back on the same connection.
func (s *Server) handleReporter(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("reporter websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("reporter connected", "remote", conn.RemoteAddr())

	// Last agent this connection spoke for, used by the disconnect rule.
	var lastAgentID string

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ack := errAck("invalid_json", "malformed message: %v", err)
			_ = conn.WriteJSON(ack)
			continue
		}

		ack := s.ingest.Handle(env)
		if ack != nil {
			_ = conn.WriteJSON(ack)
		}
		if env.AgentID != "" && (ack == nil || ack.Type != "error") {
			lastAgentID = env.AgentID
		}
		if env.Type == "agent:deregister" {
			lastAgentID = ""
		}
	}

	s.reporterDisconnected(lastAgentID)
}

// reporterDisconnected applies the connection-loss rule: a persistent
// reporter dropping its connection marks the agent as errored, unless the
// session already completed. Hook reporters disconnect after every message
// and are exempt.
func (s *Server) reporterDisconnected(agentID string) {
	if agentID == "" {
		return
	}
	agent := s.agents.GetAgent(agentID)
	if agent == nil {
		return
	}
	if agent.ReporterKind == registry.ReporterHook {
		return
	}
	if agent.Status == registry.AgentCompleted {
		return
	}

	desc := "Connection lost (socket disconnected)"
	s.agents.UpdateStatus(agentID, registry.AgentError, &desc)
	slog.Warn("reporter connection lost", "agent", agentID)
}
