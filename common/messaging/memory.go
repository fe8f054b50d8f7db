package messaging

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBus is an in-process Client. Handlers run synchronously on the
// publishing goroutine, which keeps tests deterministic.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	queues map[string]int
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: make(map[string]int)}
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	queue   string
	handler MessageHandler
	valid   bool
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.valid = false
	for i, other := range s.bus.subs {
		if other == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySub) Subject() string { return s.subject }

func (s *memorySub) IsValid() bool {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.valid
}

// Publish delivers data to every matching subscriber.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.PublishMsg(ctx, &Message{Subject: subject, Data: data})
}

// PublishMsg delivers msg to every matching subscriber. Queue subscribers of
// the same group receive each message once, round robin.
func (b *MemoryBus) PublishMsg(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*memorySub
	groups := make(map[string][]*memorySub)
	for _, s := range b.subs {
		if !MatchSubject(s.subject, msg.Subject) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for q, members := range groups {
		idx := b.queues[q] % len(members)
		b.queues[q]++
		targets = append(targets, members[idx])
	}
	b.mu.Unlock()

	for _, s := range targets {
		_ = s.handler(ctx, msg)
	}
	return nil
}

// Subscribe registers handler for subject. NATS-style wildcards apply.
func (b *MemoryBus) Subscribe(subject string, handler MessageHandler) (Subscription, error) {
	return b.QueueSubscribe(subject, "", handler)
}

// QueueSubscribe registers handler as a member of queue.
func (b *MemoryBus) QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: b, subject: subject, queue: queue, handler: handler, valid: true}
	b.subs = append(b.subs, s)
	return s, nil
}

// Drain closes the bus.
func (b *MemoryBus) Drain() error { return b.Close() }

// IsConnected is true until Close.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.valid = false
	}
	b.subs = nil
	b.closed = true
	return nil
}

// MatchSubject reports whether subject matches pattern using NATS token
// rules: "*" matches one token, a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
