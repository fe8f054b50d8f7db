package seeder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/internal/campaign"
	"github.com/telhawk-systems/threatlink/internal/correlation"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/repository"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newGen(cfg Config) *Generator {
	g := NewGenerator(cfg)
	g.now = func() time.Time { return fixedNow }
	return g
}

func TestGenerator_Deterministic(t *testing.T) {
	cfg := Config{Count: 20, Campaigns: 2, CampaignSize: 4, Seed: 7}
	a, b := newGen(cfg).Records(), newGen(cfg).Records()
	require.Len(t, a, 28)
	assert.Equal(t, a, b)

	for i := 1; i < len(a); i++ {
		assert.LessOrEqual(t, a[i-1]["detected_at"], a[i]["detected_at"])
	}
}

type captureSink struct {
	alerts []models.Alert
	fail   bool
}

func (c *captureSink) IngestAlerts(_ context.Context, alerts []models.Alert) error {
	if c.fail {
		return errors.New("queue full")
	}
	c.alerts = append(c.alerts, alerts...)
	return nil
}

func TestRunner_IngestsParsedAlerts(t *testing.T) {
	sink := &captureSink{}
	r := NewRunner(newGen(Config{Count: 30, Campaigns: 1, CampaignSize: 5, Seed: 11}), 10, nil)

	sum, err := r.Run(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, Summary{Generated: 35, Ingested: 35, Batches: 4}, sum)
	require.Len(t, sink.alerts, 35)

	var members []models.Alert
	for _, a := range sink.alerts {
		assert.Equal(t, "seed", a.Source)
		assert.Equal(t, models.SourceGeneric, a.SourceType)
		assert.NotEmpty(t, a.Indicators)
		if a.Metadata[models.MetaRuleID] == "camp-0" {
			members = append(members, a)
		}
	}
	require.Len(t, members, 5)
	for _, m := range members[1:] {
		assert.ElementsMatch(t, members[0].IndicatorValues(), m.IndicatorValues())
	}
}

func TestRunner_CountsFailedBatches(t *testing.T) {
	r := NewRunner(newGen(Config{Count: 10, Seed: 3}), 4, nil)
	sum, err := r.Run(context.Background(), &captureSink{fail: true})
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Failed)
	assert.Zero(t, sum.Ingested)
	assert.Equal(t, 3, sum.Batches)
}

func TestRunner_DeliverSendsPayloads(t *testing.T) {
	var bodies []string
	r := NewRunner(newGen(Config{Count: 7, Seed: 5}), 3, nil)
	sum, err := r.Deliver(context.Background(), func(_ context.Context, body []byte) (int, error) {
		bodies = append(bodies, string(body))
		if len(bodies) == 2 {
			return 0, errors.New("429 rate limit exceeded")
		}
		return strings.Count(string(body), `"detected_at"`), nil
	})
	require.NoError(t, err)
	require.Len(t, bodies, 3)
	for _, b := range bodies {
		assert.True(t, strings.HasPrefix(b, `{"alerts":[`), b)
	}
	assert.Equal(t, Summary{Generated: 7, Ingested: 4, Failed: 3, Batches: 3}, sum)
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(newGen(Config{Count: 5, Seed: 1}), 0, nil).Run(ctx, &captureSink{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSeededCampaignsAreDetected(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	sink := &captureSink{}
	_, err := NewRunner(newGen(Config{Campaigns: 3, CampaignSize: 4, Seed: 99}), 0, nil).Run(ctx, sink)
	require.NoError(t, err)
	require.NoError(t, repo.SaveAlerts(ctx, sink.alerts))

	keys := make([]string, len(sink.alerts))
	for i := range sink.alerts {
		keys[i] = sink.alerts[i].Key()
	}
	_, err = correlation.NewEngine(repo, correlation.DefaultConfig(), nil).AnalyzeRelationships(ctx, keys)
	require.NoError(t, err)

	res, err := campaign.NewDetector(repo, campaign.DefaultConfig(), nil).DetectCampaigns(ctx)
	require.NoError(t, err)
	assert.Len(t, res.NewCampaigns, 3)
	for _, c := range res.NewCampaigns {
		assert.Len(t, c.Members, 4)
	}
}
