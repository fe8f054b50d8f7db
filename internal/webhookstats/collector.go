package webhookstats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/threatlink/common/logging"
)

// Collector accumulates usage in memory and flushes it to Redis
// periodically. Safe for concurrent use.
type Collector struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	batches map[string]*Batch

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector starts the flush loop.
func NewCollector(client *Client, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		client:   client,
		interval: interval,
		logger:   logging.OrDiscard(logger).With(logging.Component("webhookstats")),
		batches:  make(map[string]*Batch),
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.loop(ctx)
	return c
}

// Record accumulates one webhook request.
func (c *Collector) Record(webhook string, alerts int, accepted bool, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[webhook]
	if !ok {
		b = NewBatch(webhook)
		c.batches[webhook] = b
	}
	b.Add(alerts, accepted, ip)
}

// Get reads the flushed stats of a webhook.
func (c *Collector) Get(ctx context.Context, webhook string) (*Stats, error) {
	return c.client.Get(ctx, webhook)
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush()
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Flush writes everything accumulated so far. Failed batches are merged back
// for the next attempt.
func (c *Collector) Flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, b := range batches {
		if err := c.client.Flush(ctx, b); err != nil {
			c.logger.Error("failed to flush webhook stats", logging.Webhook(name), logging.Error(err))
			c.mu.Lock()
			if cur, ok := c.batches[name]; ok {
				cur.merge(b)
			} else {
				c.batches[name] = b
			}
			c.mu.Unlock()
		}
	}
}

// Pending returns the unflushed request counts per webhook.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.batches))
	for name, b := range c.batches {
		out[name] = b.Requests
	}
	return out
}

// Stop flushes what is left and stops the loop.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}
