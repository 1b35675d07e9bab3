package gossip

import (
	"context"
	"sync"
)

// Hub is an in-process Transport. Every endpoint created from the same
// hub sees every message, like members of one gossip mesh.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]hubSub
	drop func(to string, m *Msg) bool
}

type hubSub struct {
	member string
	ch     chan *Msg
}

func NewHub() *Hub {
	return &Hub{subs: map[string][]hubSub{}}
}

// SetDrop installs a filter that discards deliveries to a member. It
// models partitions and lossy links in tests.
func (h *Hub) SetDrop(fn func(to string, m *Msg) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.drop = fn
}

// Endpoint returns a Transport for one member.
func (h *Hub) Endpoint(member string) Transport {
	return &hubEndpoint{hub: h, member: member}
}

type hubEndpoint struct {
	hub    *Hub
	member string
}

func (e *hubEndpoint) Subscribe(topic string) (<-chan *Msg, error) {
	ch := make(chan *Msg, 256)

	e.hub.mu.Lock()
	e.hub.subs[topic] = append(e.hub.subs[topic], hubSub{e.member, ch})
	e.hub.mu.Unlock()

	return ch, nil
}

func (e *hubEndpoint) Publish(ctx context.Context, topic string, m *Msg) error {
	b, err := m.Marshal()
	if err != nil {
		return err
	}

	e.hub.mu.RLock()
	subs := append([]hubSub(nil), e.hub.subs[topic]...)
	drop := e.hub.drop
	e.hub.mu.RUnlock()

	for _, s := range subs {
		// every subscriber decodes its own copy
		cp, err := Unmarshal(b)
		if err != nil {
			return err
		}
		if drop != nil && drop(s.member, cp) {
			continue
		}

		select {
		case s.ch <- cp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
