// Package loopback is an in-process channel transport built on the event
// bus. It backs the local development backend and tests, and can simulate
// disconnects.
package loopback

import (
	"context"
	"sync"

	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/channel"
	"github.com/matheus3301/nova/internal/model"
)

// Hub fans events out to every endpoint subscribed to a topic.
type Hub struct {
	bus *bus.Bus
}

// NewHub creates a hub over b. A fresh bus is used when b is nil.
func NewHub(b *bus.Bus) *Hub {
	if b == nil {
		b = bus.New()
	}
	return &Hub{bus: b}
}

func kindPrefix(topic string) string {
	return bus.KindChannelPrefix + topic + "/"
}

// Publish delivers evt to subscribers of topic.
func (h *Hub) Publish(_ context.Context, topic string, evt channel.Event) error {
	evt.Topic = topic
	h.bus.Emit(kindPrefix(topic)+evt.Name, evt)
	return nil
}

// Endpoint is one client's connection to the hub.
type Endpoint struct {
	hub   *Hub
	hooks channel.StateHooks

	mu        sync.Mutex
	connected bool
	subs      map[string]func()
}

// Connect opens an endpoint on the hub.
func (h *Hub) Connect() *Endpoint {
	return &Endpoint{hub: h, connected: true, subs: make(map[string]func())}
}

// Subscribe binds h to topic, replacing any previous handler for it.
func (e *Endpoint) Subscribe(_ context.Context, topic string, h channel.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return &model.TransportError{Op: "subscribe", Topic: topic, Err: model.ErrNotConnected}
	}
	if stop, ok := e.subs[topic]; ok {
		stop()
	}
	ch, unsub := e.hub.bus.Subscribe(kindPrefix(topic), 256)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				if ce, ok := evt.Payload.(channel.Event); ok {
					h(ce)
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	e.subs[topic] = func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
	return nil
}

// Unsubscribe unbinds topic. Unknown topics are ignored.
func (e *Endpoint) Unsubscribe(_ context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stop, ok := e.subs[topic]; ok {
		stop()
		delete(e.subs, topic)
	}
	return nil
}

// Publish sends evt through the hub.
func (e *Endpoint) Publish(ctx context.Context, topic string, evt channel.Event) error {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return &model.TransportError{Op: "publish", Topic: topic, Err: model.ErrNotConnected}
	}
	return e.hub.Publish(ctx, topic, evt)
}

// OnStateChange registers a connection state callback.
func (e *Endpoint) OnStateChange(fn func(channel.State)) func() {
	return e.hooks.Add(fn)
}

// Topics returns the currently subscribed topics.
func (e *Endpoint) Topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.subs))
	for t := range e.subs {
		out = append(out, t)
	}
	return out
}

// Drop simulates a transport disconnect: every subscription is lost.
func (e *Endpoint) Drop() {
	e.mu.Lock()
	for topic, stop := range e.subs {
		stop()
		delete(e.subs, topic)
	}
	e.connected = false
	e.mu.Unlock()
	e.hooks.Fire(channel.Disconnected)
}

// Restore simulates a successful reconnect.
func (e *Endpoint) Restore() {
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	e.hooks.Fire(channel.Connected)
}

// Close drops all subscriptions without notifying.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for topic, stop := range e.subs {
		stop()
		delete(e.subs, topic)
	}
	e.connected = false
	return nil
}
