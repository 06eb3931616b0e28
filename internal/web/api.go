package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentkanban/kanband/internal/registry"
	"github.com/google/uuid"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.deleteAgent)
	mux.HandleFunc("GET /api/agents/{id}/tasks", s.getAgentTasks)
	mux.HandleFunc("GET /api/agents/{id}/stats", s.getAgentStats)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTask)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" {
		st := registry.AgentStatus(status)
		if !st.Valid() {
			jsonError(w, fmt.Sprintf("invalid status %q", status), http.StatusBadRequest)
			return
		}
		jsonResponse(w, s.agents.GetAgentsByStatus(st))
		return
	}
	jsonResponse(w, s.agents.GetAllAgents())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.agents.GetAgent(r.PathValue("id"))
	if agent == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, agent)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if !s.agents.Deregister(r.PathValue("id")) {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getAgentTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.agents.GetAgent(id) == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, s.tasks.GetTasksByAgent(id))
}

func (s *Server) getAgentStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.agents.GetAgent(id) == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, s.tasks.GetAgentTaskStats(id))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if agentID := r.URL.Query().Get("agent"); agentID != "" {
		jsonResponse(w, s.tasks.GetTasksByAgent(agentID))
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := registry.TaskStatus(status)
		if !st.Valid() {
			jsonError(w, fmt.Sprintf("invalid status %q", status), http.StatusBadRequest)
			return
		}
		jsonResponse(w, s.tasks.GetTasksByStatus(st))
		return
	}
	jsonResponse(w, s.tasks.GetAllTasks())
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string `json:"id"`
		AgentID string `json:"agentId"`
		Title   string `json:"title"`
		Prompt  string `json:"prompt"`
		Status  string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.AgentID == "" {
		jsonError(w, "agentId is required", http.StatusBadRequest)
		return
	}
	status := registry.TaskStatus(body.Status)
	if body.Status != "" && !status.Valid() {
		jsonError(w, fmt.Sprintf("invalid status %q", body.Status), http.StatusBadRequest)
		return
	}
	if s.agents.GetAgent(body.AgentID) == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}

	if body.ID == "" {
		body.ID = uuid.New().String()
	}

	task := s.tasks.Create(body.ID, body.AgentID, body.Title, body.Prompt, status)
	jsonResponse(w, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task := s.tasks.GetTask(r.PathValue("id"))
	if task == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Status     *string `json:"status"`
		Result     *string `json:"result"`
		OutputLink *string `json:"outputLink"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var task *registry.Task
	if body.Status != nil {
		status := registry.TaskStatus(*body.Status)
		if !status.Valid() {
			jsonError(w, fmt.Sprintf("invalid status %q", *body.Status), http.StatusBadRequest)
			return
		}
		task = s.tasks.UpdateStatus(id, status, body.Result, body.OutputLink)
	} else if body.Result != nil {
		task = s.tasks.UpdateResult(id, *body.Result, body.OutputLink)
	} else {
		task = s.tasks.GetTask(id)
	}

	if task == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.tasks.Delete(r.PathValue("id")) {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.GetAllAgents()

	byStatus := make(map[registry.AgentStatus]int)
	for _, a := range agents {
		byStatus[a.Status]++
	}

	status := map[string]any{
		"status":           "ok",
		"agents":           len(agents),
		"agents_by_status": byStatus,
		"tasks":            len(s.tasks.GetAllTasks()),
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	}
	jsonResponse(w, status)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
