package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/common/messaging"
	"github.com/telhawk-systems/threatlink/internal/campaign"
	"github.com/telhawk-systems/threatlink/internal/correlation"
	"github.com/telhawk-systems/threatlink/internal/events"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/repository"
	"github.com/telhawk-systems/threatlink/internal/storage"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (r *recorder) handle(_ context.Context, msg *messaging.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Subject
	}
	return out
}

func (r *recorder) count(subject string) int {
	n := 0
	for _, s := range r.subjects() {
		if s == subject {
			n++
		}
	}
	return n
}

func newBus(t *testing.T) (*events.Bus, *recorder) {
	t.Helper()
	mb := messaging.NewMemoryBus()
	rec := &recorder{}
	_, err := mb.Subscribe(messaging.SubjectEventsWildcard, rec.handle)
	require.NoError(t, err)
	return events.NewBus(mb, nil), rec
}

func alert(id string, at time.Time, iocs ...string) models.Alert {
	a := models.Alert{
		ID:         id,
		Source:     "soc",
		SourceType: models.SourceGeneric,
		Title:      "alert " + id,
		Severity:   models.SeverityHigh,
		DetectedAt: at,
	}
	for _, v := range iocs {
		a.Indicators = append(a.Indicators, models.Indicator{Type: models.IndicatorIP, Value: v})
	}
	return a
}

type pipeline struct {
	svc  *Service
	repo *repository.MemoryRepository
	rec  *recorder
}

func newPipeline(t *testing.T, cfg Config, opts Options) pipeline {
	t.Helper()
	repo := repository.NewMemoryRepository()
	bus, rec := newBus(t)
	opts.Events = bus
	engine := correlation.NewEngine(repo, correlation.DefaultConfig(), nil)
	detector := campaign.NewDetector(repo, campaign.DefaultConfig(), nil)
	svc, err := New(repo, engine, detector, cfg, opts)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return pipeline{svc: svc, repo: repo, rec: rec}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil, Config{}, Options{})
	assert.Error(t, err)
}

func TestIngestAlerts_PersistsAndDedupes(t *testing.T) {
	p := newPipeline(t, Config{}, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []models.Alert{alert("1", now, "10.0.0.1"), alert("2", now), alert("1", now, "10.0.0.1")}
	require.NoError(t, p.svc.IngestAlerts(ctx, batch))
	require.NoError(t, p.svc.IngestAlerts(ctx, batch[:1]))

	got, err := p.repo.GetAlert(ctx, "soc:1")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusNew, got.Status)

	st := p.svc.Stats()
	assert.EqualValues(t, 2, st.Ingested)
	assert.EqualValues(t, 2, st.Duplicates)
	assert.Equal(t, 2, st.QueueDepth)
	assert.Equal(t, 1, p.rec.count(messaging.SubjectAlertsIngested))
}

type failingSave struct {
	*repository.MemoryRepository
	fail bool
}

func (f *failingSave) SaveAlerts(ctx context.Context, alerts []models.Alert) error {
	if f.fail {
		return errors.New("database unavailable")
	}
	return f.MemoryRepository.SaveAlerts(ctx, alerts)
}

func TestIngestAlerts_SaveFailureIsRetryable(t *testing.T) {
	repo := &failingSave{MemoryRepository: repository.NewMemoryRepository(), fail: true}
	svc, err := New(repo,
		correlation.NewEngine(repo, correlation.DefaultConfig(), nil),
		campaign.NewDetector(repo, campaign.DefaultConfig(), nil),
		Config{}, Options{})
	require.NoError(t, err)

	a := alert("1", time.Now())
	require.Error(t, svc.IngestAlerts(context.Background(), []models.Alert{a}))
	assert.Zero(t, svc.Stats().QueueDepth)

	// Not remembered as seen, so the sender's retry goes through.
	repo.fail = false
	require.NoError(t, svc.IngestAlerts(context.Background(), []models.Alert{a}))
	assert.EqualValues(t, 1, svc.Stats().Ingested)
}

func TestIngestAlerts_QueueFullDrops(t *testing.T) {
	p := newPipeline(t, Config{QueueSize: 2}, Options{})
	now := time.Now()

	err := p.svc.IngestAlerts(context.Background(), []models.Alert{
		alert("1", now), alert("2", now), alert("3", now), alert("4", now),
	})
	require.NoError(t, err)

	st := p.svc.Stats()
	assert.EqualValues(t, 4, st.Ingested)
	assert.EqualValues(t, 2, st.Dropped)
	assert.Equal(t, 2, st.QueueDepth)
	assert.Equal(t, 2, st.QueueCapacity)

	// Dropped alerts are still stored.
	_, err = p.repo.GetAlert(context.Background(), "soc:4")
	require.NoError(t, err)
}

type brokenArchive struct{ calls int }

func (b *brokenArchive) Archive(context.Context, []models.Alert) (storage.IndexResult, error) {
	b.calls++
	return storage.IndexResult{}, errors.New("cluster red")
}

func TestIngestAlerts_ArchiveFailureDoesNotFail(t *testing.T) {
	arch := &brokenArchive{}
	p := newPipeline(t, Config{}, Options{Archive: arch})

	require.NoError(t, p.svc.IngestAlerts(context.Background(), []models.Alert{alert("1", time.Now())}))
	assert.Equal(t, 1, arch.calls)
	assert.EqualValues(t, 1, p.svc.Stats().Ingested)
}

func TestWorker_CorrelatesAndDetectsCampaign(t *testing.T) {
	var mu sync.Mutex
	var pushed []correlation.Result
	p := newPipeline(t, Config{BatchSize: 50, BatchWait: 20 * time.Millisecond}, Options{
		OnCorrelations: func(_ context.Context, res correlation.Result) {
			mu.Lock()
			pushed = append(pushed, res)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// An earlier alert is picked up as a neighbour of the batch.
	require.NoError(t, p.repo.SaveAlerts(ctx, []models.Alert{alert("0", base, "10.0.0.9", "evil.example")}))

	var batch []models.Alert
	for i, id := range []string{"1", "2", "3", "4"} {
		batch = append(batch, alert(id, base.Add(time.Duration(i+1)*2*time.Minute), "10.0.0.9", "evil.example"))
	}
	require.NoError(t, p.svc.IngestAlerts(ctx, batch))
	p.svc.Start(ctx)

	require.Eventually(t, func() bool {
		return p.rec.count(messaging.SubjectCampaignsDetected) == 1
	}, 5*time.Second, 10*time.Millisecond)

	campaigns, err := p.repo.ListCampaigns(ctx, models.CampaignFilter{})
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, models.CampaignEmerging, campaigns[0].Status)
	assert.Len(t, campaigns[0].Members, 5)

	edges, err := p.repo.ListCorrelations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, edges, 10)

	mu.Lock()
	require.Len(t, pushed, 1)
	assert.Equal(t, 10, pushed[0].CorrelationsFound)
	mu.Unlock()

	assert.Equal(t, 1, p.rec.count(messaging.SubjectCorrelationsFound))
	assert.EqualValues(t, 1, p.svc.Stats().Batches)
}

type failingAnalyzer struct{}

func (failingAnalyzer) AnalyzeRelationships(context.Context, []string) (correlation.Result, error) {
	return correlation.Result{}, correlation.ErrCorrelationCompute
}

func (failingAnalyzer) AnalyzeIncremental(context.Context, []string, []string) (correlation.Result, error) {
	return correlation.Result{}, correlation.ErrCorrelationCompute
}

type panickingAnalyzer struct{ failingAnalyzer }

func (panickingAnalyzer) AnalyzeIncremental(context.Context, []string, []string) (correlation.Result, error) {
	panic("nil map")
}

func TestWorker_FailuresArePublished(t *testing.T) {
	tests := []struct {
		name     string
		analyzer Analyzer
	}{
		{"error", failingAnalyzer{}},
		{"panic", panickingAnalyzer{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryRepository()
			bus, rec := newBus(t)
			svc, err := New(repo, tt.analyzer, campaign.NewDetector(repo, campaign.DefaultConfig(), nil),
				Config{BatchWait: 10 * time.Millisecond}, Options{Events: bus})
			require.NoError(t, err)
			t.Cleanup(svc.Stop)

			require.NoError(t, svc.IngestAlerts(context.Background(), []models.Alert{alert("1", time.Now())}))
			svc.Start(context.Background())

			require.Eventually(t, func() bool {
				return rec.count(messaging.SubjectAnalysisFailed) == 1
			}, 5*time.Second, 10*time.Millisecond)

			rec.mu.Lock()
			var env events.Envelope
			for _, m := range rec.msgs {
				if m.Subject == messaging.SubjectAnalysisFailed {
					require.NoError(t, json.Unmarshal(m.Data, &env))
				}
			}
			rec.mu.Unlock()
			var failed events.AnalysisFailed
			require.NoError(t, json.Unmarshal(env.Data, &failed))
			assert.Equal(t, "correlation", failed.Stage)
			assert.Equal(t, []string{"soc:1"}, failed.Keys)
			assert.EqualValues(t, 1, svc.Stats().AnalysisFails)
		})
	}
}

func TestUpdateAlertStatus(t *testing.T) {
	p := newPipeline(t, Config{}, Options{})
	ctx := context.Background()
	require.NoError(t, p.svc.IngestAlerts(ctx, []models.Alert{alert("1", time.Now())}))

	a, err := p.svc.UpdateAlertStatus(ctx, "soc:1", models.AlertStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusInProgress, a.Status)
	assert.Equal(t, 1, p.rec.count(messaging.SubjectAlertsUpdated))

	_, err = p.svc.UpdateAlertStatus(ctx, "soc:missing", models.AlertStatusResolved)
	assert.ErrorIs(t, err, repository.ErrAlertNotFound)
	assert.Equal(t, 1, p.rec.count(messaging.SubjectAlertsUpdated))
}

func TestStop_Idempotent(t *testing.T) {
	p := newPipeline(t, Config{}, Options{})
	p.svc.Stop()
	p.svc.Stop()
	// A stopped service never starts.
	p.svc.Start(context.Background())
	p.svc.Stop()
}

func TestAnalyzeRelationshipsAndClose(t *testing.T) {
	var hooked int
	p := newPipeline(t, Config{}, Options{OnCorrelations: func(context.Context, correlation.Result) { hooked++ }})
	ctx := context.Background()
	base := time.Now().UTC()

	var batch []models.Alert
	var keys []string
	for i, id := range []string{"a", "b", "c"} {
		batch = append(batch, alert(id, base.Add(time.Duration(i)*time.Minute), "198.51.100.4", "bad.example"))
		keys = append(keys, "soc:"+id)
	}
	require.NoError(t, p.svc.IngestAlerts(ctx, batch))

	res, err := p.svc.AnalyzeRelationships(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, 3, res.CorrelationsFound)
	assert.Equal(t, 1, hooked)
	assert.Equal(t, 1, p.rec.count(messaging.SubjectCorrelationsFound))

	det, err := p.svc.DetectCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, det.NewCampaigns, 1)

	closed, err := p.svc.CloseCampaign(ctx, det.NewCampaigns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignClosed, closed.Status)
	assert.Equal(t, 1, p.rec.count(messaging.SubjectCampaignsUpdated))

	_, err = p.svc.CloseCampaign(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrCampaignNotFound)
}
