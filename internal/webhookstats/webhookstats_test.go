package webhookstats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewClient(rdb, "node-1")
	now := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, mr
}

func TestClient_FlushAndGet(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	b := NewBatch("crowdstrike")
	b.Add(3, true, "203.0.113.1")
	b.Add(0, false, "203.0.113.2")
	b.Add(2, true, "203.0.113.1")
	require.NoError(t, c.Flush(ctx, b))
	require.NoError(t, c.Flush(ctx, b))

	st, err := c.Get(ctx, "crowdstrike")
	require.NoError(t, err)
	assert.Equal(t, int64(6), st.Requests)
	assert.Equal(t, int64(2), st.Rejected)
	assert.Equal(t, int64(10), st.Alerts)
	assert.Equal(t, int64(10), st.AlertsLastHour)
	assert.Equal(t, int64(10), st.AlertsLast24h)
	assert.Equal(t, int64(2), st.UniqueIPsToday)
	assert.Equal(t, "203.0.113.1", st.LastIP)
	require.NotNil(t, st.LastSeenAt)
	assert.Contains(t, st.Instances, "node-1")
}

func TestClient_GetUnknownWebhook(t *testing.T) {
	c, _ := newClient(t)
	st, err := c.Get(context.Background(), "never-used")
	require.NoError(t, err)
	assert.Zero(t, st.Requests)
	assert.Nil(t, st.LastSeenAt)
}

func TestCollector_FlushesAndRetries(t *testing.T) {
	c, mr := newClient(t)
	col := NewCollector(c, time.Hour, nil)

	col.Record("sentinel", 4, true, "198.51.100.9")
	col.Record("sentinel", 0, false, "198.51.100.9")
	assert.Equal(t, map[string]int64{"sentinel": 2}, col.Pending())

	mr.SetError("READONLY")
	col.Flush()
	assert.Equal(t, map[string]int64{"sentinel": 2}, col.Pending(), "failed batch is kept")

	mr.SetError("")
	col.Record("sentinel", 1, true, "198.51.100.10")
	col.Stop()
	assert.Empty(t, col.Pending())

	st, err := col.Get(context.Background(), "sentinel")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Requests)
	assert.Equal(t, int64(1), st.Rejected)
	assert.Equal(t, int64(5), st.Alerts)
}
