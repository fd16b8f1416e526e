// Package broker routes inbound envelopes to subscribers by event tag.
// It outlives individual transports, so a subscription survives reconnects.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/protocol"
)

const DefaultBuffer = 64

type subscription struct {
	ch   chan protocol.Envelope
	tags map[string]struct{}
}

func (s *subscription) wants(event string) bool {
	if len(s.tags) == 0 {
		return true
	}
	_, ok := s.tags[event]
	return ok
}

// Stats are monotonic counters since the broker was created.
type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Unrouted  int64 `json:"unrouted"`
}

type Broker struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	unrouted  atomic.Int64
}

func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		buffer: buffer,
		subs:   make(map[*subscription]struct{}),
	}
}

// Subscribe returns a channel of envelopes whose tag is in tags, or every
// envelope when tags is empty. Envelopes arrive in publish order.
func (b *Broker) Subscribe(tags ...string) (<-chan protocol.Envelope, func()) {
	sub := &subscription{
		ch:   make(chan protocol.Envelope, b.buffer),
		tags: make(map[string]struct{}, len(tags)),
	}
	for _, t := range tags {
		sub.tags[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish fans env out without blocking. A subscriber whose buffer is full
// misses the envelope; that is counted as dropped.
func (b *Broker) Publish(env protocol.Envelope) int {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	matched := false
	for sub := range b.subs {
		if !sub.wants(env.Event) {
			continue
		}
		matched = true
		select {
		case sub.ch <- env:
			delivered++
		default:
			b.dropped.Add(1)
			log.Warn().Str("module", "broker").Str("event", env.Event).Msg("subscriber full, envelope dropped")
		}
	}
	if !matched {
		b.unrouted.Add(1)
		log.Debug().Str("module", "broker").Str("event", env.Event).Msg("no subscriber for event")
	}
	return delivered
}

func (b *Broker) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Unrouted:  b.unrouted.Load(),
	}
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
