// Package reporter implements the client side of the reporter websocket
// protocol. It is used by the kreport CLI and the khook hook binary to push
// agent and task state into a running kanband server.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentkanban/kanband/internal/registry"
)

// DefaultServerURL is used when no server address is configured.
const DefaultServerURL = "ws://localhost:3001"

// heartbeatInterval keeps persistent reporters well inside the server's
// heartbeat timeout.
const heartbeatInterval = 10 * time.Second

// envelope mirrors the server's inbound message frame.
type envelope struct {
	Type          string  `json:"type"`
	AgentID       string  `json:"agentId,omitempty"`
	TaskID        string  `json:"taskId,omitempty"`
	ParentAgentID string  `json:"parentAgentId,omitempty"`
	Timestamp     int64   `json:"timestamp,omitempty"`
	Payload       payload `json:"payload"`
}

type payload struct {
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

// ack mirrors the server's reply frame.
type ack struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Options configures a reporter connection.
type Options struct {
	AgentID       string
	Name          string
	Prompt        string
	ParentAgentID string
	Kind          registry.ReporterKind
	SessionID     string
}

// Reporter holds a live websocket connection to the kanband server. A
// single Reporter must not be shared across processes; all methods are safe
// for concurrent use within one.
type Reporter struct {
	conn    *websocket.Conn
	agentID string

	mu     sync.Mutex
	closed bool
}

// Dial opens a reporter connection without registering. Updates sent on an
// unregistered connection rely on the server's auto-register behavior, which
// preserves existing agent state; an explicit Register wipes it.
// serverURL accepts ws://, wss://, http:// or https:// forms; http schemes
// are rewritten to their websocket equivalents.
func Dial(ctx context.Context, serverURL, agentID string) (*Reporter, error) {
	if agentID == "" {
		return nil, fmt.Errorf("reporter: agent id is required")
	}
	endpoint, err := reporterEndpoint(serverURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	return &Reporter{conn: conn, agentID: agentID}, nil
}

// Connect dials the server's reporter endpoint and registers the agent.
func Connect(ctx context.Context, serverURL string, opts Options) (*Reporter, error) {
	r, err := Dial(ctx, serverURL, opts.AgentID)
	if err != nil {
		return nil, err
	}
	if err := r.Register(opts); err != nil {
		r.conn.Close()
		return nil, err
	}
	return r, nil
}

func reporterEndpoint(serverURL string) (string, error) {
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws/agent"
	return u.String(), nil
}

// Register reports this agent as a fresh session. The server replaces any
// existing record under the same id.
func (r *Reporter) Register(opts Options) error {
	cwd, _ := os.Getwd()
	kind := string(opts.Kind)

	env := envelope{
		Type:          "agent:register",
		AgentID:       r.agentID,
		ParentAgentID: opts.ParentAgentID,
		Payload: payload{
			TerminalInfo: &registry.TerminalInfo{
				PID:       os.Getpid(),
				Cwd:       cwd,
				SessionID: opts.SessionID,
			},
		},
	}
	if opts.Name != "" {
		env.Payload.Name = &opts.Name
	}
	if opts.Prompt != "" {
		env.Payload.Prompt = &opts.Prompt
	}
	if kind != "" {
		env.Payload.ReporterKind = &kind
	}

	if err := r.send(env); err != nil {
		return err
	}

	// The server acks registrations; surface a validation failure here
	// rather than letting later updates vanish.
	r.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer r.conn.SetReadDeadline(time.Time{})

	var reply ack
	if err := r.conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read register ack: %w", err)
	}
	if reply.Type == "error" {
		return fmt.Errorf("register rejected: %s (%s)", reply.Message, reply.Code)
	}
	return nil
}

// AgentID returns the id the reporter registered under.
func (r *Reporter) AgentID() string { return r.agentID }

// UpdateStatus reports a status transition with an optional human-readable
// description of the current activity.
func (r *Reporter) UpdateStatus(status registry.AgentStatus, description string) error {
	st := string(status)
	p := payload{Status: &st}
	if description != "" {
		p.TaskDescription = &description
	}
	return r.send(envelope{Type: "agent:update", AgentID: r.agentID, Payload: p})
}

// UpdateName changes the display name, optionally updating the prompt too.
func (r *Reporter) UpdateName(name, prompt string) error {
	p := payload{Name: &name}
	if prompt != "" {
		p.Prompt = &prompt
	}
	return r.send(envelope{Type: "agent:update", AgentID: r.agentID, Payload: p})
}

// UpdateSessionInfo reports the agent's self-described goal, blocker and
// next action. Empty strings clear the corresponding field.
func (r *Reporter) UpdateSessionInfo(goal, blocker, nextAction *string) error {
	return r.send(envelope{
		Type:    "agent:update",
		AgentID: r.agentID,
		Payload: payload{Goal: goal, Blocker: blocker, NextAction: nextAction},
	})
}

// Heartbeat refreshes the server-side liveness timer.
func (r *Reporter) Heartbeat() error {
	return r.send(envelope{Type: "agent:heartbeat", AgentID: r.agentID})
}

// StartHeartbeat sends heartbeats until ctx is cancelled or the connection
// breaks. Intended to run in its own goroutine.
func (r *Reporter) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// CreateTask reports a new task owned by this agent.
func (r *Reporter) CreateTask(taskID, title, prompt string, status registry.TaskStatus) error {
	p := payload{Title: &title}
	if prompt != "" {
		p.Prompt = &prompt
	}
	if status != "" {
		st := string(status)
		p.Status = &st
	}
	return r.send(envelope{Type: "task:create", AgentID: r.agentID, TaskID: taskID, Payload: p})
}

// UpdateTask reports a task status transition with an optional result.
func (r *Reporter) UpdateTask(taskID string, status registry.TaskStatus, result, outputLink string) error {
	st := string(status)
	p := payload{Status: &st}
	if result != "" {
		p.Result = &result
	}
	if outputLink != "" {
		p.OutputLink = &outputLink
	}
	return r.send(envelope{Type: "task:update", TaskID: taskID, AgentID: r.agentID, Payload: p})
}

// Deregister removes the agent from the board and closes the connection.
func (r *Reporter) Deregister() error {
	err := r.send(envelope{Type: "agent:deregister", AgentID: r.agentID})
	r.Close()
	return err
}

// Close shuts the connection without deregistering. The server decides what
// a silent disconnect means based on the reporter kind.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return r.conn.Close()
}

func (r *Reporter) send(env envelope) error {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("reporter: connection closed")
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}
