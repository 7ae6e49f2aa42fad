// Package memory keeps published alert events in process memory. It backs
// local runs without a Pub/Sub project and the worker tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Publisher records every publish call in order.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	// Err, when set, fails every Publish and records nothing.
	Err error
}

// Message is one recorded publish. Attributes mirror what the Pub/Sub
// publisher would attach to the transport message.
type Message struct {
	ID         string
	Topic      string
	Payload    any
	Attributes map[string]string
}

type attributer interface {
	Attributes() map[string]string
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records payload under topic and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	msg := Message{
		ID:      fmt.Sprintf("memory-%d", len(p.messages)+1),
		Topic:   topic,
		Payload: payload,
	}
	if a, ok := payload.(attributer); ok {
		msg.Attributes = a.Attributes()
	}
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns a copy of everything recorded so far.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// AlertEvents returns the alert events published to topic.
func (p *Publisher) AlertEvents(topic string) []pulse.AlertEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []pulse.AlertEvent
	for _, m := range p.messages {
		if m.Topic != topic {
			continue
		}
		if ev, ok := m.Payload.(pulse.AlertEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
