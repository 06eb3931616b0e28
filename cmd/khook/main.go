// khook is the Claude Code hook reporter. Each invocation is one-shot: it
// reads the hook payload from stdin, translates it into board messages and
// exits. Session continuity lives in a per-session state file under the
// temp directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentkanban/kanband/internal/registry"
	"github.com/agentkanban/kanband/internal/reporter"
)

const sendTimeout = 3 * time.Second

// hookInput is the JSON Claude Code pipes to hook commands.
type hookInput struct {
	SessionID string          `json:"session_id"`
	Prompt    string          `json:"prompt"`
	Message   string          `json:"message"`
	Title     string          `json:"title"`
	Type      string          `json:"type"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type taskState struct {
	Title  string `json:"title"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// sessionState persists across hook invocations for one Claude session.
type sessionState struct {
	AgentID       string               `json:"agentId"`
	SessionID     string               `json:"sessionId"`
	Name          string               `json:"name"`
	Prompt        string               `json:"prompt"`
	CurrentStatus string               `json:"currentStatus"`
	LastTask      string               `json:"lastTask,omitempty"`
	PromptCount   int                  `json:"promptCount"`
	Tasks         map[string]taskState `json:"tasks"`
	TodoTaskMap   map[string]string    `json:"todoTaskMap"`
	taskSeq       int
}

type hook struct {
	serverURL string
	sessionID string
	log       *slog.Logger
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	in := readStdin()

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = os.Getenv("CLAUDE_SESSION_ID")
	}
	if sessionID == "" {
		sessionID = fmt.Sprintf("fallback-%d", os.Getpid())
	}

	h := &hook{
		serverURL: os.Getenv("KANBAND_SERVER"),
		sessionID: sessionID,
		log:       newLogger(),
	}
	h.log.Info("hook invoked", "command", command, "session", sessionID)

	arg := ""
	if len(os.Args) > 2 {
		arg = os.Args[2]
	}

	switch command {
	case "register":
		h.register("", registry.AgentIdle)
	case "userprompt":
		prompt := in.Prompt
		if prompt == "" {
			prompt = in.Message
		}
		h.startNewPrompt(prompt)
	case "pretool":
		h.preTool(in)
	case "posttool":
		state := h.loadState()
		desc := "Processing..."
		if state != nil && state.LastTask != "" {
			desc = state.LastTask
		}
		h.updateStatus(registry.AgentWorking, desc)
	case "notify":
		h.notify(in)
	case "stop":
		h.failIncompleteTasks()
		h.updateStatus(registry.AgentCompleted, "Session ended")
	case "deregister":
		h.failIncompleteTasks()
		h.updateStatus(registry.AgentCompleted, "Session ended")
		h.deregister()
	case "working":
		if arg == "" {
			arg = "Working..."
		}
		h.updateStatus(registry.AgentWorking, arg)
	case "waiting":
		if arg == "" {
			arg = "Waiting..."
		}
		h.updateStatus(registry.AgentWaiting, arg)
	case "idle":
		h.updateStatus(registry.AgentIdle, "")
	case "completed":
		if arg == "" {
			arg = "Completed"
		}
		h.updateStatus(registry.AgentCompleted, arg)
	case "error":
		if arg == "" {
			arg = "Error"
		}
		h.updateStatus(registry.AgentError, arg)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: khook <command> [message]

Hook commands (wire these in .claude/settings.json):
  userprompt    User submitted a prompt -> working
  pretool       Before tool use -> working
  posttool      After tool use -> stays working
  notify        Notifications -> waiting/error/working
  stop          Session ended -> completed, open tasks failed

Manual commands:
  register      Register the session agent
  deregister    Deregister the session agent
  working <msg> Set status to working
  waiting <msg> Set status to waiting
  idle          Set status to idle
  completed     Set status to completed
  error <msg>   Set status to error

Environment:
  KANBAND_SERVER            Server URL (default ws://localhost:3001)
  CLAUDE_SESSION_ID         Session id when stdin carries none
  CLAUDE_TOOL_NAME          Tool name fallback for pretool
  CLAUDE_WORKING_DIRECTORY  Working directory reported at registration
`)
}

// readStdin tolerates empty or malformed input; hooks must never block
// Claude Code on a broken pipe.
func readStdin() hookInput {
	var in hookInput
	data, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
	if err != nil || len(data) == 0 {
		return in
	}
	_ = json.Unmarshal(data, &in)
	return in
}

func newLogger() *slog.Logger {
	path := filepath.Join(os.TempDir(), "kanband-hook.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(f, nil))
}

// --- session state -----------------------------------------------------

func (h *hook) statePath() string {
	return filepath.Join(os.TempDir(), "kanband-hook-state-"+h.sessionID+".json")
}

func (h *hook) loadState() *sessionState {
	data, err := os.ReadFile(h.statePath())
	if err != nil {
		return nil
	}
	var st sessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	return &st
}

func (h *hook) saveState(st *sessionState) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(h.statePath(), data, 0o644); err != nil {
		h.log.Warn("state save failed", "error", err)
	}
}

func (h *hook) clearState() {
	_ = os.Remove(h.statePath())
}

func (h *hook) newTaskID(st *sessionState) string {
	st.taskSeq++
	sid := h.sessionID
	if len(sid) > 8 {
		sid = sid[:8]
	}
	return fmt.Sprintf("task-%s-%d-%d", sid, st.taskSeq, time.Now().UnixMilli())
}

// --- wire helpers ------------------------------------------------------

// send runs one fire-and-forget exchange. Every failure is logged and
// swallowed; a dead board must not break the coding session.
func (h *hook) send(fn func(r *reporter.Reporter) error) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	r, err := reporter.Dial(ctx, h.serverURL, h.agentID())
	if err != nil {
		h.log.Warn("dial failed", "error", err)
		return false
	}
	defer r.Close()

	if err := fn(r); err != nil {
		h.log.Warn("send failed", "error", err)
		return false
	}
	return true
}

func (h *hook) agentID() string {
	return "claude-session-" + h.sessionID
}

func (h *hook) agentName(prompt string) string {
	if p := strings.Join(strings.Fields(prompt), " "); p != "" {
		if len(p) > 40 {
			return p[:37] + "..."
		}
		return p
	}
	cwd := os.Getenv("CLAUDE_WORKING_DIRECTORY")
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	return "Claude-" + filepath.Base(cwd)
}

// --- lifecycle ---------------------------------------------------------

func (h *hook) register(prompt string, status registry.AgentStatus) {
	name := h.agentName(prompt)
	st := &sessionState{
		AgentID:       h.agentID(),
		SessionID:     h.sessionID,
		Name:          name,
		Prompt:        prompt,
		CurrentStatus: string(status),
		PromptCount:   1,
		Tasks:         make(map[string]taskState),
		TodoTaskMap:   make(map[string]string),
	}

	ok := h.send(func(r *reporter.Reporter) error {
		if err := r.Register(reporter.Options{
			AgentID:   h.agentID(),
			Name:      name,
			Prompt:    prompt,
			Kind:      registry.ReporterHook,
			SessionID: h.sessionID,
		}); err != nil {
			return err
		}
		return r.UpdateStatus(status, "")
	})
	if ok {
		h.saveState(st)
		h.log.Info("registered", "agent", st.AgentID, "name", name)
	}
}

// startNewPrompt moves the session to working, reviving completed sessions
// and resetting their task tracking.
func (h *hook) startNewPrompt(prompt string) {
	st := h.loadState()
	if st == nil {
		h.register(prompt, registry.AgentWorking)
		return
	}

	if st.CurrentStatus == string(registry.AgentCompleted) {
		st.Tasks = make(map[string]taskState)
		st.TodoTaskMap = make(map[string]string)
		st.PromptCount++
	}

	name := h.agentName(prompt)
	st.Name = name
	st.Prompt = prompt
	st.CurrentStatus = string(registry.AgentWorking)
	h.saveState(st)

	h.send(func(r *reporter.Reporter) error {
		if err := r.UpdateName(name, prompt); err != nil {
			return err
		}
		return r.UpdateStatus(registry.AgentWorking, "Processing new prompt...")
	})
}

func (h *hook) updateStatus(status registry.AgentStatus, desc string) {
	st := h.loadState()
	if st == nil {
		h.register("", status)
		return
	}

	st.CurrentStatus = string(status)
	if status == registry.AgentWorking && desc != "" {
		st.LastTask = desc
	}
	h.saveState(st)

	h.send(func(r *reporter.Reporter) error {
		return r.UpdateStatus(status, desc)
	})
}

func (h *hook) preTool(in hookInput) {
	toolName := in.ToolName
	if toolName == "" {
		toolName = os.Getenv("CLAUDE_TOOL_NAME")
	}
	h.updateStatus(registry.AgentWorking, taskDescription(toolName, in.ToolInput))

	switch toolName {
	case "TodoWrite":
		h.processTodoWrite(in.ToolInput)
	case "Task":
		h.processTaskTool(in.ToolInput)
	}
}

func (h *hook) notify(in hookInput) {
	notifyType := in.Type
	if notifyType == "" {
		notifyType = os.Getenv("CLAUDE_NOTIFICATION_TYPE")
	}
	message := in.Message
	if message == "" {
		message = in.Title
	}

	switch {
	case notifyType == "user_input_request",
		strings.Contains(message, "waiting"),
		strings.Contains(message, "input"),
		strings.Contains(message, "permission"):
		h.updateStatus(registry.AgentWaiting, "Waiting for user input")
	case notifyType == "error":
		if message == "" {
			message = "Error occurred"
		}
		h.updateStatus(registry.AgentError, message)
	default:
		if message == "" {
			message = "Processing notification..."
		}
		h.updateStatus(registry.AgentWorking, message)
	}
}

func (h *hook) deregister() {
	st := h.loadState()
	if st == nil {
		return
	}
	ok := h.send(func(r *reporter.Reporter) error {
		return r.Deregister()
	})
	if ok {
		h.clearState()
		h.log.Info("deregistered", "agent", st.AgentID)
	}
}

// --- tasks -------------------------------------------------------------

func (h *hook) createTask(st *sessionState, taskID, title, prompt string, status registry.TaskStatus) {
	ok := h.send(func(r *reporter.Reporter) error {
		return r.CreateTask(taskID, title, prompt, status)
	})
	if ok {
		st.Tasks[taskID] = taskState{Title: title, Status: string(status)}
		h.saveState(st)
	}
}

func (h *hook) updateTask(st *sessionState, taskID string, status registry.TaskStatus, result string) {
	ok := h.send(func(r *reporter.Reporter) error {
		return r.UpdateTask(taskID, status, result, "")
	})
	if ok {
		if ts, exists := st.Tasks[taskID]; exists {
			ts.Status = string(status)
			if result != "" {
				ts.Result = result
			}
			st.Tasks[taskID] = ts
		}
		h.saveState(st)
	}
}

// processTodoWrite mirrors the agent's todo list onto the board: new items
// become tasks, status changes propagate, dropped items fail.
func (h *hook) processTodoWrite(raw json.RawMessage) {
	st := h.loadState()
	if st == nil {
		return
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]taskState)
	}
	if st.TodoTaskMap == nil {
		st.TodoTaskMap = make(map[string]string)
	}

	var input struct {
		Todos []struct {
			Content    string `json:"content"`
			Status     string `json:"status"`
			ActiveForm string `json:"activeForm"`
		} `json:"todos"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return
	}

	current := make(map[string]bool, len(input.Todos))
	for _, todo := range input.Todos {
		current[todo.Content] = true
	}

	for content, taskID := range st.TodoTaskMap {
		if current[content] {
			continue
		}
		if ts, exists := st.Tasks[taskID]; exists && !registry.TaskStatus(ts.Status).Terminal() {
			h.updateTask(st, taskID, registry.TaskFailed, "Task removed from todo list")
		}
	}

	for _, todo := range input.Todos {
		status := registry.TaskTodo
		switch todo.Status {
		case "in_progress":
			status = registry.TaskDoing
		case "completed":
			status = registry.TaskDone
		}

		taskID, exists := st.TodoTaskMap[todo.Content]
		if !exists {
			taskID = h.newTaskID(st)
			st.TodoTaskMap[todo.Content] = taskID
			h.saveState(st)
			h.createTask(st, taskID, todo.Content, todo.ActiveForm, status)
			continue
		}
		if ts, tracked := st.Tasks[taskID]; tracked && ts.Status != string(status) {
			h.updateTask(st, taskID, status, "")
		}
	}
}

// processTaskTool reports a spawned sub-agent as a doing task.
func (h *hook) processTaskTool(raw json.RawMessage) {
	st := h.loadState()
	if st == nil {
		return
	}

	var input struct {
		Description string `json:"description"`
		Prompt      string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return
	}
	title := input.Description
	if title == "" {
		title = input.Prompt
	}
	if title == "" {
		title = "Sub-agent task"
	}

	h.createTask(st, h.newTaskID(st), title, input.Prompt, registry.TaskDoing)
}

func (h *hook) failIncompleteTasks() {
	st := h.loadState()
	if st == nil {
		return
	}
	for taskID, ts := range st.Tasks {
		if !registry.TaskStatus(ts.Status).Terminal() {
			h.updateTask(st, taskID, registry.TaskFailed, "Session ended - task incomplete")
		}
	}
}

// taskDescription turns a tool invocation into a short activity line.
func taskDescription(toolName string, raw json.RawMessage) string {
	if toolName == "" {
		return "Using tools"
	}

	var input map[string]any
	_ = json.Unmarshal(raw, &input)
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}

	switch toolName {
	case "Bash":
		return "Running: " + truncate(str("command"), 50)
	case "Read":
		return "Reading: " + filepath.Base(str("file_path"))
	case "Write":
		return "Writing: " + filepath.Base(str("file_path"))
	case "Edit":
		return "Editing: " + filepath.Base(str("file_path"))
	case "Grep":
		return fmt.Sprintf("Searching: %q", truncate(str("pattern"), 30))
	case "Glob":
		return "Finding: " + str("pattern")
	case "Task":
		desc := str("description")
		if desc == "" {
			desc = str("prompt")
		}
		return "Sub-agent: " + truncate(desc, 40)
	case "WebFetch":
		return "Fetching web content..."
	case "WebSearch":
		return fmt.Sprintf("Searching: %q", truncate(str("query"), 30))
	default:
		return "Using " + toolName
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
