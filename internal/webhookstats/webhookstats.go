// Package webhookstats keeps Redis-backed usage statistics per webhook.
//
// Several threatlink instances write concurrently; any of them can read.
//
// Redis key structure:
//
//	threatlink:webhook:{name}:stats              - hash with running totals
//	threatlink:webhook:{name}:hourly:{YYYYMMDDHH} - alerts accepted that hour (expires 48h)
//	threatlink:webhook:{name}:ips:{YYYYMMDD}      - set of caller IPs that day (expires 7d)
//	threatlink:webhook:{name}:instances           - hash of instance -> last seen
package webhookstats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "threatlink:webhook:"

// Stats is the usage of one webhook.
type Stats struct {
	Webhook        string            `json:"webhook"`
	LastSeenAt     *time.Time        `json:"last_seen_at,omitempty"`
	LastIP         string            `json:"last_ip,omitempty"`
	Requests       int64             `json:"requests"`
	Rejected       int64             `json:"rejected"`
	Alerts         int64             `json:"alerts"`
	AlertsLastHour int64             `json:"alerts_last_hour"`
	AlertsLast24h  int64             `json:"alerts_last_24h"`
	UniqueIPsToday int64             `json:"unique_ips_today"`
	Instances      map[string]string `json:"instances,omitempty"`
	RetrievedAt    time.Time         `json:"retrieved_at"`
}

// Batch accumulates usage between flushes.
type Batch struct {
	Webhook  string
	Requests int64
	Rejected int64
	Alerts   int64
	IPs      map[string]struct{}
	LastIP   string
}

func NewBatch(webhook string) *Batch {
	return &Batch{Webhook: webhook, IPs: make(map[string]struct{})}
}

// Add records one request.
func (b *Batch) Add(alerts int, accepted bool, ip string) {
	b.Requests++
	if !accepted {
		b.Rejected++
	}
	b.Alerts += int64(alerts)
	if ip != "" {
		b.IPs[ip] = struct{}{}
		b.LastIP = ip
	}
}

func (b *Batch) merge(o *Batch) {
	b.Requests += o.Requests
	b.Rejected += o.Rejected
	b.Alerts += o.Alerts
	for ip := range o.IPs {
		b.IPs[ip] = struct{}{}
	}
	if o.LastIP != "" {
		b.LastIP = o.LastIP
	}
}

// Client reads and writes webhook stats.
type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient uses an existing connection; the caller owns it. instanceID
// should be unique per process.
func NewClient(rdb *redis.Client, instanceID string) *Client {
	return &Client{redis: rdb, instanceID: instanceID, now: time.Now}
}

func statsKey(name string) string { return keyPrefix + name + ":stats" }

func hourlyKey(name string, t time.Time) string {
	return keyPrefix + name + ":hourly:" + t.UTC().Format("2006010215")
}

func ipsKey(name string, t time.Time) string {
	return keyPrefix + name + ":ips:" + t.UTC().Format("20060102")
}

func instancesKey(name string) string { return keyPrefix + name + ":instances" }

// Flush writes one batch.
func (c *Client) Flush(ctx context.Context, b *Batch) error {
	if b.Requests == 0 {
		return nil
	}
	now := c.now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.TxPipeline()
	sk := statsKey(b.Webhook)
	fields := map[string]any{"last_seen_at": nowUnix}
	if b.LastIP != "" {
		fields["last_ip"] = b.LastIP
	}
	pipe.HSet(ctx, sk, fields)
	pipe.HIncrBy(ctx, sk, "requests", b.Requests)
	pipe.HIncrBy(ctx, sk, "rejected", b.Rejected)
	pipe.HIncrBy(ctx, sk, "alerts", b.Alerts)

	hk := hourlyKey(b.Webhook, now)
	pipe.IncrBy(ctx, hk, b.Alerts)
	pipe.Expire(ctx, hk, 48*time.Hour)

	if len(b.IPs) > 0 {
		ips := make([]any, 0, len(b.IPs))
		for ip := range b.IPs {
			ips = append(ips, ip)
		}
		ik := ipsKey(b.Webhook, now)
		pipe.SAdd(ctx, ik, ips...)
		pipe.Expire(ctx, ik, 7*24*time.Hour)
	}

	inst := instancesKey(b.Webhook)
	pipe.HSet(ctx, inst, c.instanceID, nowUnix)
	pipe.Expire(ctx, inst, 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush webhook stats: %w", err)
	}
	return nil
}

// Get returns the stats of one webhook. A webhook never used has zero stats.
func (c *Client) Get(ctx context.Context, name string) (*Stats, error) {
	now := c.now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, statsKey(name))
	hourly := make([]*redis.StringCmd, 24)
	for i := range hourly {
		hourly[i] = pipe.Get(ctx, hourlyKey(name, now.Add(-time.Duration(i)*time.Hour)))
	}
	ipsCmd := pipe.SCard(ctx, ipsKey(name, now))
	instCmd := pipe.HGetAll(ctx, instancesKey(name))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get webhook stats: %w", err)
	}

	st := &Stats{Webhook: name, RetrievedAt: now, Instances: map[string]string{}}
	if m, err := statsCmd.Result(); err == nil {
		if v, err := strconv.ParseInt(m["last_seen_at"], 10, 64); err == nil {
			t := time.Unix(v, 0).UTC()
			st.LastSeenAt = &t
		}
		st.LastIP = m["last_ip"]
		st.Requests, _ = strconv.ParseInt(m["requests"], 10, 64)
		st.Rejected, _ = strconv.ParseInt(m["rejected"], 10, 64)
		st.Alerts, _ = strconv.ParseInt(m["alerts"], 10, 64)
	}
	for i, cmd := range hourly {
		v, err := cmd.Int64()
		if err != nil {
			continue
		}
		if i == 0 {
			st.AlertsLastHour = v
		}
		st.AlertsLast24h += v
	}
	if v, err := ipsCmd.Result(); err == nil {
		st.UniqueIPsToday = v
	}
	if m, err := instCmd.Result(); err == nil {
		for inst, seen := range m {
			if v, err := strconv.ParseInt(seen, 10, 64); err == nil {
				st.Instances[inst] = time.Unix(v, 0).UTC().Format(time.RFC3339)
			}
		}
	}
	return st, nil
}
