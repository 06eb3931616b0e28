// Package notify pushes agent alerts to Telegram. It listens on the event
// bus rather than hooking the registries directly, so it sees exactly what
// dashboard clients see.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/agentkanban/kanband/internal/config"
	"github.com/agentkanban/kanband/internal/natsbus"
	"github.com/agentkanban/kanband/internal/registry"
)

const maxMessageLen = 4096

// Notifier sends a Telegram message when an agent errors out or completes.
// Repeated change events for the same status are deduplicated per agent.
type Notifier struct {
	bot  *telego.Bot
	cfg  config.TelegramConfig
	subs []*nats.Subscription

	mu   sync.Mutex
	last map[string]registry.AgentStatus
}

// New creates a notifier, or returns (nil, nil) when no token is configured.
func New(cfg config.TelegramConfig) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, nil
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{
		bot:  bot,
		cfg:  cfg,
		last: make(map[string]registry.AgentStatus),
	}, nil
}

// Start subscribes to agent events on the bus.
func (n *Notifier) Start(ctx context.Context, client *natsbus.Client) error {
	sub, err := client.Subscribe(natsbus.TopicAgentChanged, func(msg *nats.Msg) {
		n.handleAgentChanged(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicAgentChanged, err)
	}
	n.subs = append(n.subs, sub)

	sub, err = client.Subscribe(natsbus.TopicAgentRemoved, func(msg *nats.Msg) {
		n.handleAgentRemoved(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicAgentRemoved, err)
	}
	n.subs = append(n.subs, sub)

	slog.Info("telegram notifier started", "chat", n.cfg.ChatID)
	return nil
}

// Stop drops the bus subscriptions.
func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
}

func (n *Notifier) handleAgentChanged(ctx context.Context, data []byte) {
	var ev struct {
		Payload registry.Agent `json:"payload"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("notifier: bad agent event", "error", err)
		return
	}
	agent := ev.Payload

	n.mu.Lock()
	prev, seen := n.last[agent.ID]
	n.last[agent.ID] = agent.Status
	n.mu.Unlock()

	if seen && prev == agent.Status {
		return
	}

	var text string
	switch agent.Status {
	case registry.AgentError:
		text = fmt.Sprintf("⚠️ %s hit an error\n%s", agent.Name, agent.TaskDescription)
	case registry.AgentCompleted:
		text = fmt.Sprintf("✅ %s completed", agent.Name)
	default:
		return
	}

	if err := n.send(ctx, text); err != nil {
		slog.Error("notifier: send failed", "agent", agent.ID, "error", err)
	}
}

func (n *Notifier) handleAgentRemoved(data []byte) {
	var ev struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	n.mu.Lock()
	delete(n.last, ev.Payload)
	n.mu.Unlock()
}

func (n *Notifier) send(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(n.cfg.ChatID), chunk)
		if _, err := n.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits a message into chunks that fit within Telegram's
// message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
