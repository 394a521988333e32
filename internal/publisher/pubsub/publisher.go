// Package pubsub publishes item notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// sendFunc publishes one message on a topic and waits for the server id.
type sendFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)

// Publisher publishes JSON payloads, lazily opening one topic handle per name.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string
	send         sendFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher. An empty topic on Publish falls back to defaultTopic.
func New(client *pubsub.Client, defaultTopic string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	p := &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		topics:       make(map[string]*pubsub.Topic),
	}
	p.send = p.publishToTopic
	return p, nil
}

// Publish marshals payload to JSON and publishes it, blocking until the server
// acknowledges the message.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	id, err := p.send(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes and stops every opened topic handle.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

func (p *Publisher) publishToTopic(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	p.mu.Lock()
	t, ok := p.topics[topic]
	if !ok {
		t = p.client.Topic(topic)
		p.topics[topic] = t
	}
	p.mu.Unlock()

	id, err := t.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("await publish result: %w", err)
	}
	return id, nil
}
