package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"threatlink.alerts.ingested", "threatlink.alerts.ingested", true},
		{"threatlink.alerts.*", "threatlink.alerts.updated", true},
		{"threatlink.*", "threatlink.alerts.updated", false},
		{"threatlink.>", "threatlink.alerts.updated", true},
		{"threatlink.>", "threatlink", false},
		{"threatlink.dlq.>", "threatlink.dlq.signature_invalid", true},
		{"threatlink.campaigns.detected", "threatlink.campaigns.updated", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchSubject(tt.pattern, tt.subject))
		})
	}
}

func TestDLQSubject(t *testing.T) {
	assert.Equal(t, "threatlink.dlq.rate_limited", DLQSubject("rate_limited"))
	assert.Equal(t, "threatlink.dlq.unknown", DLQSubject(""))
}

func TestMemoryBus_FanOutAndQueue(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var fanout []string
	_, err := bus.Subscribe(SubjectEventsWildcard, func(_ context.Context, m *Message) error {
		fanout = append(fanout, m.Subject)
		return nil
	})
	require.NoError(t, err)

	counts := map[string]int{}
	for _, name := range []string{"w1", "w2"} {
		name := name
		_, err := bus.QueueSubscribe(SubjectAlertsIngested, QueueAnalysisWorkers, func(context.Context, *Message) error {
			counts[name]++
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Publish(ctx, SubjectAlertsIngested, []byte("{}")))
	}
	require.NoError(t, bus.Publish(ctx, SubjectCampaignsDetected, []byte("{}")))

	assert.Len(t, fanout, 5)
	assert.Equal(t, 2, counts["w1"])
	assert.Equal(t, 2, counts["w2"])
}

func TestMemoryBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var got int
	sub, err := bus.Subscribe(SubjectAlertsUpdated, func(context.Context, *Message) error {
		got++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())
	assert.Equal(t, SubjectAlertsUpdated, sub.Subject())

	require.NoError(t, bus.Publish(ctx, SubjectAlertsUpdated, nil))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(ctx, SubjectAlertsUpdated, nil))
	assert.Equal(t, 1, got)
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Close())
	assert.False(t, bus.IsConnected())
	assert.ErrorIs(t, bus.Publish(ctx, SubjectAlertsUpdated, nil), ErrClosed)
}

func TestMemoryBus_TimestampsMessages(t *testing.T) {
	bus := NewMemoryBus()
	var ts time.Time
	_, _ = bus.Subscribe(SubjectAnalysisFailed, func(_ context.Context, m *Message) error {
		ts = m.Timestamp
		return nil
	})
	require.NoError(t, bus.PublishMsg(context.Background(), &Message{Subject: SubjectAnalysisFailed}))
	assert.False(t, ts.IsZero())
}

func TestCheckClientHealth(t *testing.T) {
	status := CheckClientHealth(nil)
	assert.False(t, status.Connected)
	assert.Equal(t, "client is nil", status.Error)

	bus := NewMemoryBus()
	status = CheckClientHealth(bus)
	assert.True(t, status.Connected)
	assert.Empty(t, status.Error)

	_ = bus.Close()
	status = CheckClientHealth(bus)
	assert.False(t, status.Connected)
	assert.NotEmpty(t, status.Error)
}
