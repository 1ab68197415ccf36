// Package memory contains the in-memory publisher used by tests and by local
// runs without Pub/Sub.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/ranking"
)

// DefaultRetain bounds the history kept by a publisher serving a long-running
// process.
const DefaultRetain = 168

// Publisher keeps the most recent publishes for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	retain   int
	seq      int
	err      error
	logger   *zap.Logger
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithRetain keeps at most n messages; n <= 0 keeps everything.
func WithRetain(n int) Option {
	return func(p *Publisher) { p.retain = n }
}

// WithLogger logs every publish at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a memory Publisher retaining DefaultRetain messages.
func New(opts ...Option) *Publisher {
	p := &Publisher{retain: DefaultRetain, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.retain > 0 && len(p.messages) > p.retain {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.retain:]...)
	}
	if ev, ok := payload.(ranking.PassCompleted); ok {
		p.logger.Debug("pass event recorded",
			zap.String("id", id),
			zap.String("pass_id", ev.PassID),
			zap.Int("categories_failed", len(ev.CategoriesFailed)),
		)
	}
	return id, nil
}

// FailWith makes subsequent publishes return err; nil clears it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the retained pass events published to topic.
func (p *Publisher) Events(topic string) []ranking.PassCompleted {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []ranking.PassCompleted
	for _, m := range p.messages {
		if ev, ok := m.Payload.(ranking.PassCompleted); ok && m.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }
