package natsbus

import (
	"log/slog"

	"github.com/agentkanban/kanband/internal/registry"
)

// Publisher turns board events into NATS messages. It satisfies the
// coordinator's Broadcaster interface; delivery is fire-and-forget and never
// back-pressures the registries.
type Publisher struct {
	client *Client
}

func NewPublisher(bus *Bus) (*Publisher, error) {
	client, err := NewClient(bus)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client}, nil
}

func (p *Publisher) AgentChanged(a registry.Agent) {
	p.publish(TopicAgentChanged, Event{Type: "agent:changed", Payload: a})
}

func (p *Publisher) AgentRemoved(agentID string) {
	p.publish(TopicAgentRemoved, Event{Type: "agent:removed", Payload: agentID})
}

func (p *Publisher) TaskChanged(t registry.Task) {
	p.publish(TopicTaskChanged, Event{Type: "task:changed", Payload: t})
}

func (p *Publisher) TaskRemoved(taskID string) {
	p.publish(TopicTaskRemoved, Event{Type: "task:removed", Payload: taskID})
}

func (p *Publisher) publish(topic string, ev Event) {
	if err := p.client.PublishJSON(topic, ev); err != nil {
		slog.Warn("event publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) Close() {
	p.client.Close()
}
