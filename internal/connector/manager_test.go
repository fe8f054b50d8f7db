package connector

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/internal/models"
)

func fakeRegistry(conns map[string]*fakeConnector) *Registry {
	reg := NewRegistry()
	reg.Register(models.SourceSplunk, func(cfg models.ConnectorConfig, _ *slog.Logger) (Connector, error) {
		return conns[cfg.Name], nil
	})
	return reg
}

func TestNewManager(t *testing.T) {
	_, err := NewManager([]models.ConnectorConfig{{Name: "x", Type: "carbonblack"}}, nil, &countingSink{}, SourceOptions{})
	assert.ErrorIs(t, err, ErrUnknownType)

	conns := map[string]*fakeConnector{"a": {}}
	_, err = NewManager([]models.ConnectorConfig{sourceConfig("a"), sourceConfig("a")}, fakeRegistry(conns), &countingSink{}, SourceOptions{})
	assert.Error(t, err)
}

func TestManager_Lifecycle(t *testing.T) {
	conns := map[string]*fakeConnector{
		"good": {alerts: []models.Alert{{ID: "1", Source: "good"}}},
		"down": {testErr: ErrConnectionUnavailable},
	}
	sink := &countingSink{}
	m, err := NewManager([]models.ConnectorConfig{sourceConfig("good"), sourceConfig("down")}, fakeRegistry(conns), sink, SourceOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"good", "down"}, m.Sources())

	require.NoError(t, m.Start(context.Background()), "one bad source does not fail the others")
	require.Eventually(t, func() bool { return sink.n.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	st := m.Status()
	require.Len(t, st, 2)
	assert.Equal(t, StateDisconnected, st[1].State)
	assert.Contains(t, st[1].LastError, "connection unavailable")

	require.Eventually(t, func() bool {
		s, _ := m.Source("good")
		return s.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	n, err := m.SyncNow(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.SyncNow(context.Background(), "down")
	assert.ErrorIs(t, err, ErrSourceOffline)
	_, err = m.SyncNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSourceNotFound)

	m.Stop()
	for _, s := range m.Status() {
		assert.Equal(t, StateDisconnected, s.State)
	}
}

func TestManager_PushEnrichment(t *testing.T) {
	conns := map[string]*fakeConnector{
		"ingest-only": {},
		"enrich":      {},
		"broken":      {pushErr: errors.New("kvstore unavailable")},
	}
	cfgs := []models.ConnectorConfig{sourceConfig("ingest-only"), sourceConfig("enrich"), sourceConfig("broken")}
	for i := 1; i < 3; i++ {
		cfgs[i].Features = models.FeatureFlags{Enrichment: true}
	}
	m, err := NewManager(cfgs, fakeRegistry(conns), &countingSink{}, SourceOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	e := Enrichment{RunID: "r", Correlations: []models.Correlation{{AlertA: "a", AlertB: "b", Score: 0.8}}}
	pushed, err := m.PushEnrichment(context.Background(), e)
	assert.Equal(t, 1, pushed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	assert.Zero(t, conns["ingest-only"].pushes)
	assert.Equal(t, 1, conns["enrich"].pushes)

	pushed, err = m.PushEnrichment(context.Background(), Enrichment{})
	assert.NoError(t, err)
	assert.Zero(t, pushed)
}
