package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/common/messaging"
	"github.com/telhawk-systems/threatlink/internal/models"
)

func TestBus_PublishesEnvelope(t *testing.T) {
	bus := messaging.NewMemoryBus()
	var got []*messaging.Message
	_, err := bus.Subscribe(messaging.SubjectEventsWildcard, func(_ context.Context, msg *messaging.Message) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)

	b := NewBus(bus, nil)
	require.True(t, b.Enabled())
	b.AlertsIngested(context.Background(), "soc", []models.Alert{{ID: "1", Source: "soc"}, {ID: "2", Source: "soc"}})
	b.AnalysisFailed(context.Background(), "correlation", errors.New("boom"), []string{"soc:1"})

	require.Len(t, got, 2)
	assert.Equal(t, messaging.SubjectAlertsIngested, got[0].Subject)
	assert.Equal(t, messaging.SubjectAlertsIngested, got[0].Metadata[messaging.HeaderEventType])

	var env Envelope
	require.NoError(t, json.Unmarshal(got[0].Data, &env))
	assert.Equal(t, messaging.SubjectAlertsIngested, env.Type)
	assert.NotEmpty(t, env.ID)

	var data AlertsIngested
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 2, data.Count)
	assert.Equal(t, []string{"soc:1", "soc:2"}, data.Keys)

	require.NoError(t, json.Unmarshal(got[1].Data, &env))
	var failed AnalysisFailed
	require.NoError(t, json.Unmarshal(env.Data, &failed))
	assert.Equal(t, "boom", failed.Error)
}

func TestBus_NopAndClosed(t *testing.T) {
	assert.False(t, Nop().Enabled())
	assert.NotPanics(t, func() {
		Nop().CampaignDetected(context.Background(), models.Campaign{ID: "c"})
	})

	// Publish errors are swallowed.
	bus := messaging.NewMemoryBus()
	require.NoError(t, bus.Close())
	b := NewBus(bus, nil)
	assert.NotPanics(t, func() {
		b.AlertUpdated(context.Background(), "soc:1", models.AlertStatusClosed)
	})
}
