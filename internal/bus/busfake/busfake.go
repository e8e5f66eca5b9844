// Package busfake provides an in-memory bus.Client double for tests,
// avoiding a dependency on any real broker.
package busfake

import (
	"context"
	"sync"
)

// Entry records a single publish call.
type Entry struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Client is an in-memory bus.Client. FailConnect/FailPublish let tests
// simulate broker failures.
type Client struct {
	mu sync.Mutex

	connected bool
	lastWill  Entry
	published []Entry
	handlers  map[string]func(topic string, payload []byte)

	FailConnect bool
	FailPublish bool
}

// New constructs an empty fake client.
func New() *Client {
	return &Client{handlers: make(map[string]func(topic string, payload []byte))}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailConnect {
		return errConnectFailed
	}
	c.connected = true
	return nil
}

func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPublish {
		return errPublishFailed
	}
	c.published = append(c.published, Entry{Topic: topic, Payload: append([]byte(nil), payload...), Retain: retain})
	return nil
}

func (c *Client) Subscribe(topicFilter string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topicFilter] = handler
	return nil
}

func (c *Client) SetLastWill(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWill = Entry{Topic: topic, Payload: append([]byte(nil), payload...)}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Published returns a copy of all recorded publish calls.
func (c *Client) Published() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.published))
	copy(out, c.published)
	return out
}

// LastWill returns the registered last-will entry.
func (c *Client) LastWill() Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWill
}

// Deliver simulates an inbound broker message reaching any handler whose
// filter was registered for topic.
func (c *Client) Deliver(topic string, payload []byte) {
	c.mu.Lock()
	handler, ok := c.handlers[topic]
	c.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const (
	errConnectFailed = fakeError("busfake: simulated connect failure")
	errPublishFailed = fakeError("busfake: simulated publish failure")
)
