package natsbus

// Topic names for board events. The web server subscribes to the wildcard
// and fans everything out to dashboard observers.

const (
	TopicAgentChanged = "events.agent.changed"
	TopicAgentRemoved = "events.agent.removed"
	TopicTaskChanged  = "events.task.changed"
	TopicTaskRemoved  = "events.task.removed"

	TopicEventsAll   = "events.>"
	TopicEventsAgent = "events.agent.*"
	TopicEventsTask  = "events.task.*"
)

// Event is the envelope published on every board topic and forwarded as-is
// to websocket observers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
