// Package bus drives a message-bus connection (state machine, last-will,
// queue-backed publish, replay-on-reconnect, wildcard subscriptions)
// against a small Client interface, the same swappable-backend pattern
// the store packages use for their persistence layer. No production
// broker client is wired here: see NewPahoClient.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/oig-proxy/internal/logger"
	"github.com/marmos91/oig-proxy/internal/queue"
)

// Client is the minimal surface a message-bus connection must provide.
// A production implementation wraps a real broker client; tests use
// bus/busfake's in-memory double.
type Client interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topicFilter string, handler func(topic string, payload []byte)) error
	SetLastWill(topic string, payload []byte)
	IsConnected() bool
	Disconnect()
}

// NewPahoClient would wrap github.com/eclipse/paho.mqtt.golang as a
// Client. Not implemented in this build: no broker client is vendored
// yet. Wire the real client here once the dependency lands; callers fall
// back to NewUnavailableClient in the meantime.
func NewPahoClient(host string, port int, user, pass string) (Client, error) {
	return nil, fmt.Errorf("bus: paho client not wired; construct a Client another way")
}

// NewUnavailableClient returns a Client that never connects: every
// Connect fails with cause and publishes buffer to the on-disk queue.
// Used when no broker client is wired so the proxy still runs — frames
// keep flowing to the BOX and decoded state accumulates for replay.
func NewUnavailableClient(cause error) Client {
	return unavailableClient{cause: cause}
}

type unavailableClient struct {
	cause error
}

func (c unavailableClient) Connect(ctx context.Context) error { return c.cause }
func (c unavailableClient) Publish(topic string, payload []byte, retain bool) error {
	return fmt.Errorf("bus: no client available: %w", c.cause)
}
func (c unavailableClient) Subscribe(topicFilter string, handler func(topic string, payload []byte)) error {
	return fmt.Errorf("bus: no client available: %w", c.cause)
}
func (c unavailableClient) SetLastWill(topic string, payload []byte) {}
func (c unavailableClient) IsConnected() bool                       { return false }
func (c unavailableClient) Disconnect()                             {}

// State is the publisher's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config controls reconnect pacing and queue replay.
type Config struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	ReplayRate  time.Duration
	LastWillTop string
}

// Publisher drives a Client: connect/backoff loop, last-will registration,
// queue-backed publish-or-enqueue, paced replay on reconnect, and
// wildcard-aware subscription dispatch plus a cached last-retained-payload
// map for optimistic merge reads.
type Publisher struct {
	client Client
	queue  *queue.Queue
	cfg    Config

	mu    sync.Mutex
	state State
	cache map[string][]byte

	handlersMu sync.Mutex
	handlers   map[string]func(topic string, payload []byte)

	backoff time.Duration
}

// NewPublisher constructs a Publisher around client, backed by q for
// publish-while-disconnected buffering.
func NewPublisher(client Client, q *queue.Queue, cfg Config) *Publisher {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.ReplayRate <= 0 {
		cfg.ReplayRate = 100 * time.Millisecond
	}
	return &Publisher{
		client:   client,
		queue:    q,
		cfg:      cfg,
		cache:    make(map[string][]byte),
		handlers: make(map[string]func(topic string, payload []byte)),
		backoff:  cfg.MinBackoff,
	}
}

// State reports the current connection state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connect registers the last-will payload, attempts to connect, and on
// success publishes the "online" availability payload and replays any
// queued entries.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.state = StateConnecting
	p.mu.Unlock()

	if p.cfg.LastWillTop != "" {
		p.client.SetLastWill(p.cfg.LastWillTop, []byte("offline"))
	}

	if err := p.client.Connect(ctx); err != nil {
		p.mu.Lock()
		p.state = StateDisconnected
		p.mu.Unlock()
		return fmt.Errorf("bus: connect: %w", err)
	}

	p.mu.Lock()
	p.state = StateConnected
	p.backoff = p.cfg.MinBackoff
	p.mu.Unlock()

	if p.cfg.LastWillTop != "" {
		if err := p.client.Publish(p.cfg.LastWillTop, []byte("online"), true); err != nil {
			logger.WarnCtx(ctx, "availability publish failed", logger.Err(err))
		}
	}

	p.replay(ctx)
	return nil
}

// RunHealthLoop probes IsConnected on an interval; on loss, it reconnects
// with exponential backoff clamped to [MinBackoff, MaxBackoff]. It returns
// when ctx is cancelled.
func (p *Publisher) RunHealthLoop(ctx context.Context, probeInterval time.Duration) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.client.IsConnected() {
				continue
			}
			p.mu.Lock()
			p.state = StateDisconnected
			backoff := p.backoff
			p.mu.Unlock()

			logger.WarnCtx(ctx, "bus disconnected, reconnecting", logger.DurationMs(float64(backoff.Milliseconds())))

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := p.Connect(ctx); err != nil {
				p.mu.Lock()
				next := p.backoff * 2
				if next > p.cfg.MaxBackoff {
					next = p.cfg.MaxBackoff
				}
				p.backoff = next
				p.mu.Unlock()
			}
		}
	}
}

// Publish sends payload directly if connected, caching it for optimistic
// reads if retain is set; otherwise it is handed to the persistent queue.
func (p *Publisher) Publish(topic string, payload []byte, retain bool) error {
	if retain {
		p.mu.Lock()
		p.cache[topic] = append([]byte(nil), payload...)
		p.mu.Unlock()
	}

	if p.client.IsConnected() {
		if err := p.client.Publish(topic, payload, retain); err == nil {
			return nil
		}
		// Fall through to queueing on publish failure.
	}

	if p.queue == nil {
		return fmt.Errorf("bus: not connected and no queue configured")
	}
	_, err := p.queue.Enqueue(topic, payload, retain)
	return err
}

// CachedPayload returns the last payload published to topic with retain
// set, used by components performing optimistic state merges.
func (p *Publisher) CachedPayload(topic string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.cache[topic]
	return v, ok
}

// Subscribe registers handler for topicFilter (literal or single-level
// "+" wildcard) and forwards it to the underlying client.
func (p *Publisher) Subscribe(topicFilter string, handler func(topic string, payload []byte)) error {
	p.handlersMu.Lock()
	p.handlers[topicFilter] = handler
	p.handlersMu.Unlock()

	return p.client.Subscribe(topicFilter, func(topic string, payload []byte) {
		p.dispatch(topic, payload)
	})
}

func (p *Publisher) dispatch(topic string, payload []byte) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	for filter, handler := range p.handlers {
		if topicMatches(filter, topic) {
			handler(topic, payload)
		}
	}
}

// topicMatches reports whether topic matches filter, where "+" in filter
// matches exactly one slash-delimited segment.
func topicMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	if len(fParts) != len(tParts) {
		return false
	}
	for i, fp := range fParts {
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return true
}

// replay drains the queue oldest-first at the configured pace. A publish
// failure requeues the entry (by leaving it in place) and stops the drain;
// the health loop's next reconnect will resume it.
func (p *Publisher) replay(ctx context.Context) {
	if p.queue == nil {
		return
	}
	for {
		entry, ok, err := p.queue.PeekNextReady()
		if err != nil {
			logger.ErrorCtx(ctx, "queue peek failed during replay", logger.Err(err))
			return
		}
		if !ok {
			return
		}

		if err := p.client.Publish(entry.Topic, entry.Payload, entry.Retain); err != nil {
			logger.WarnCtx(ctx, "replay publish failed, stopping drain", logger.Err(err))
			return
		}
		if err := p.queue.Remove(entry.ID); err != nil {
			logger.ErrorCtx(ctx, "queue remove failed during replay", logger.Err(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.ReplayRate):
		}
	}
}

// Disconnect tears down the underlying client connection.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	p.state = StateDisconnected
	p.mu.Unlock()
	p.client.Disconnect()
}
