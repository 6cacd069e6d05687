package report

import (
	"encoding/json"
	"fmt"

	"github.com/campusmeet/chat-app/internal/messaging"
)

// Publisher hands chat logs to the archival pipeline. Teardown treats this
// as fire-and-forget: a failed publish is logged by the caller, never
// surfaced to the participants.
type Publisher interface {
	Publish(cl *ChatLog) error
}

// NATSPublisher publishes chat logs on the chatlog.archive subject for the
// archiver service to persist.
type NATSPublisher struct {
	nats *messaging.NATSClient
}

// NewNATSPublisher creates a publisher over the given NATS client.
func NewNATSPublisher(nats *messaging.NATSClient) *NATSPublisher {
	return &NATSPublisher{nats: nats}
}

// Publish encodes and publishes the chat log.
func (p *NATSPublisher) Publish(cl *ChatLog) error {
	data, err := json.Marshal(cl)
	if err != nil {
		return fmt.Errorf("report: marshal chat log: %w", err)
	}
	if err := p.nats.PublishChatLog(data); err != nil {
		return fmt.Errorf("report: publish chat log: %w", err)
	}
	return nil
}
