package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/threatlink/common/logging"
)

// EnrichmentTarget receives enrichment batches. *Manager implements it.
type EnrichmentTarget interface {
	PushEnrichment(ctx context.Context, e Enrichment) (int, error)
}

const (
	DefaultPushQueue   = 16
	DefaultPushTimeout = 2 * time.Minute
)

// Pusher delivers enrichment on its own goroutine so the caller never waits
// on a vendor API. Batches are pushed in order; when the queue is full new
// batches are dropped.
type Pusher struct {
	target  EnrichmentTarget
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Enrichment
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPusher starts the delivery goroutine. Close stops it.
func NewPusher(target EnrichmentTarget, size int, timeout time.Duration, logger *slog.Logger) *Pusher {
	if size <= 0 {
		size = DefaultPushQueue
	}
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pusher{
		ctx:     ctx,
		cancel:  cancel,
		target:  target,
		timeout: timeout,
		logger:  logging.OrDiscard(logger).With(logging.Component("enrichment")),
		queue:   make(chan Enrichment, size),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue hands e to the delivery goroutine. It reports false when e was
// dropped because the queue is full or the pusher is closed.
func (p *Pusher) Enqueue(e Enrichment) bool {
	if e.Empty() {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- e:
		return true
	default:
		p.logger.Warn("enrichment queue full, batch dropped", logging.RunID(e.RunID))
		return false
	}
}

// Close stops accepting batches and waits until the queued ones are pushed.
// When ctx ends first, pushes still pending are cancelled.
func (p *Pusher) Close(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
		<-p.done
	}
	p.cancel()
}

func (p *Pusher) run() {
	defer close(p.done)
	for e := range p.queue {
		p.push(e)
	}
}

func (p *Pusher) push(e Enrichment) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	n, err := p.target.PushEnrichment(ctx, e)
	if err != nil {
		p.logger.WarnContext(ctx, "enrichment push incomplete", logging.RunID(e.RunID), logging.Error(err))
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "enrichment pushed", logging.RunID(e.RunID), logging.Count(n))
	}
}
