// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Publisher publishes JSON payloads to Pub/Sub topics.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string
	ownsClient   bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Pub/Sub client for projectID and checks that defaultTopic
// exists. It authenticates using Application Default Credentials unless opts
// say otherwise.
func New(ctx context.Context, projectID, defaultTopic string, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := NewWithClient(client, defaultTopic)
	p.ownsClient = true

	if defaultTopic != "" {
		exists, err := p.topic(defaultTopic).Exists(ctx)
		if err != nil || !exists {
			closeErr := p.Close()
			if err == nil {
				err = fmt.Errorf("topic %q does not exist in project %q", defaultTopic, projectID)
			}
			return nil, errors.Join(fmt.Errorf("check pubsub topic: %w", err), closeErr)
		}
	}
	return p, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client *pubsub.Client, defaultTopic string) *Publisher {
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		topics:       make(map[string]*pubsub.Topic),
	}
}

// Publish marshals the payload to JSON and waits for the server to accept it.
// An empty topic uses the default topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", errors.New("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending messages and closes the client when it was created by New.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	if !p.ownsClient || p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
