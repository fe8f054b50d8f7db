package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func alert(id string, offset time.Duration) models.Alert {
	return models.Alert{
		ID:          id,
		Source:      "soc",
		SourceType:  models.SourceGeneric,
		Title:       "alert " + id,
		Severity:    models.SeverityHigh,
		Status:      models.AlertStatusNew,
		Indicators:  []models.Indicator{{Type: models.IndicatorIP, Value: "203.0.113.7"}},
		Techniques:  []string{"T1059"},
		Metadata:    map[string]string{"host": "web-01"},
		Raw:         json.RawMessage(`{"id":"` + id + `"}`),
		DetectedAt:  base.Add(offset),
		CreatedAt:   base.Add(offset),
		UpdatedAt:   base.Add(offset),
		Description: "d",
	}
}

// runRepositoryTests exercises the behaviour every Repository must share.
func runRepositoryTests(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("save and get alerts", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.SaveAlerts(ctx, []models.Alert{alert("a1", 0), alert("a2", time.Minute)}))

		got, err := repo.GetAlert(ctx, "soc:a1")
		require.NoError(t, err)
		assert.Equal(t, "alert a1", got.Title)
		assert.Equal(t, models.SeverityHigh, got.Severity)
		assert.Equal(t, []string{"T1059"}, got.Techniques)
		assert.Equal(t, "web-01", got.Metadata["host"])
		assert.Len(t, got.Indicators, 1)
		assert.True(t, got.DetectedAt.Equal(base))
		assert.JSONEq(t, `{"id":"a1"}`, string(got.Raw))

		_, err = repo.GetAlert(ctx, "soc:missing")
		assert.ErrorIs(t, err, ErrAlertNotFound)

		many, err := repo.GetAlerts(ctx, []string{"soc:a2", "soc:missing", "soc:a1"})
		require.NoError(t, err)
		require.Len(t, many, 2)
		assert.Equal(t, "a1", many[0].ID)
		assert.Equal(t, "a2", many[1].ID)
	})

	t.Run("resave keeps status", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.SaveAlerts(ctx, []models.Alert{alert("a1", 0)}))
		_, err := repo.UpdateAlertStatus(ctx, "soc:a1", models.AlertStatusInProgress)
		require.NoError(t, err)

		again := alert("a1", 0)
		again.Title = "renamed"
		require.NoError(t, repo.SaveAlerts(ctx, []models.Alert{again}))

		got, err := repo.GetAlert(ctx, "soc:a1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Title)
		assert.Equal(t, models.AlertStatusInProgress, got.Status)
	})

	t.Run("list alerts window and paging", func(t *testing.T) {
		repo := newRepo(t)
		var batch []models.Alert
		for i, id := range []string{"a0", "a1", "a2", "a3", "a4"} {
			batch = append(batch, alert(id, time.Duration(i)*time.Hour))
		}
		require.NoError(t, repo.SaveAlerts(ctx, batch))

		all, err := repo.ListAlerts(ctx, models.AlertFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 5)

		window, err := repo.ListAlerts(ctx, models.AlertFilter{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, window, 2)
		assert.Equal(t, "a1", window[0].ID)
		assert.Equal(t, "a2", window[1].ID)

		page, err := repo.ListAlerts(ctx, models.AlertFilter{Offset: 3, Limit: 10})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "a3", page[0].ID)

		none, err := repo.ListAlerts(ctx, models.AlertFilter{Source: "other"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("status transitions", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.SaveAlerts(ctx, []models.Alert{alert("a1", 0)}))

		got, err := repo.UpdateAlertStatus(ctx, "soc:a1", models.AlertStatusResolved)
		require.NoError(t, err)
		assert.Equal(t, models.AlertStatusResolved, got.Status)

		_, err = repo.UpdateAlertStatus(ctx, "soc:a1", models.AlertStatusNew)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = repo.UpdateAlertStatus(ctx, "soc:a1", "bogus")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = repo.UpdateAlertStatus(ctx, "soc:nope", models.AlertStatusClosed)
		assert.ErrorIs(t, err, ErrAlertNotFound)
	})

	t.Run("correlations are keyed by unordered pair", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.SaveAlerts(ctx, []models.Alert{alert("a1", 0), alert("a2", 0), alert("a3", 0)}))

		require.NoError(t, repo.UpsertCorrelation(ctx, models.Correlation{
			AlertA: "soc:a2", AlertB: "soc:a1", Score: 0.5, DetectedAt: base,
			SharedIndicators: []string{"ip:203.0.113.7"},
		}))
		require.NoError(t, repo.UpsertCorrelation(ctx, models.Correlation{
			AlertA: "soc:a1", AlertB: "soc:a2", Score: 0.9, DetectedAt: base,
		}))
		require.NoError(t, repo.UpsertCorrelation(ctx, models.Correlation{
			AlertA: "soc:a1", AlertB: "soc:a3", Score: 0.2, DetectedAt: base,
		}))

		all, err := repo.ListCorrelations(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "soc:a1", all[0].AlertA)
		assert.Equal(t, "soc:a2", all[0].AlertB)
		assert.InDelta(t, 0.9, all[0].Score, 1e-9)

		strong, err := repo.ListCorrelations(ctx, 0.65)
		require.NoError(t, err)
		assert.Len(t, strong, 1)

		require.NoError(t, repo.DeleteCorrelation(ctx, "soc:a2", "soc:a1"))
		all, err = repo.ListCorrelations(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "soc:a3", all[0].AlertB)
	})

	t.Run("campaign lifecycle", func(t *testing.T) {
		repo := newRepo(t)
		c := &models.Campaign{
			ID:              "c1",
			Name:            "Campaign 2026-03-01-c1",
			ConfidenceScore: 0.8,
			Severity:        models.SeverityHigh,
			Status:          models.CampaignEmerging,
			Members:         []string{"soc:a3", "soc:a1", "soc:a2"},
			Timeline: []models.TimelineEvent{{
				EventType: models.TimelineCreated, Timestamp: base, Description: "created",
			}},
			CreatedAt: base,
			UpdatedAt: base,
		}
		require.NoError(t, repo.CreateCampaign(ctx, c))

		got, err := repo.GetCampaign(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"soc:a1", "soc:a2", "soc:a3"}, got.Members)
		require.Len(t, got.Timeline, 1)
		assert.Equal(t, models.TimelineCreated, got.Timeline[0].EventType)

		got.Members = []string{"soc:a1", "soc:a2", "soc:a4", "soc:a5"}
		got.Status = models.CampaignActive
		got.ConfidenceScore = 0.85
		got.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, repo.UpdateCampaign(ctx, got))
		require.NoError(t, repo.AppendTimeline(ctx, models.TimelineEvent{
			CampaignID: "c1", EventType: models.TimelineMembersAdded, Timestamp: base.Add(time.Hour), Description: "+2",
		}))

		got, err = repo.GetCampaign(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"soc:a1", "soc:a2", "soc:a4", "soc:a5"}, got.Members)
		assert.Equal(t, models.CampaignActive, got.Status)
		assert.InDelta(t, 0.85, got.ConfidenceScore, 1e-9)
		assert.Len(t, got.Timeline, 2)

		err = repo.UpdateCampaign(ctx, &models.Campaign{ID: "missing", Status: models.CampaignActive, UpdatedAt: base})
		assert.ErrorIs(t, err, ErrCampaignNotFound)
		err = repo.AppendTimeline(ctx, models.TimelineEvent{CampaignID: "missing", EventType: "x", Timestamp: base})
		assert.ErrorIs(t, err, ErrCampaignNotFound)
		_, err = repo.GetCampaign(ctx, "missing")
		assert.ErrorIs(t, err, ErrCampaignNotFound)
	})

	t.Run("list campaigns by status", func(t *testing.T) {
		repo := newRepo(t)
		for i, st := range []models.CampaignStatus{models.CampaignEmerging, models.CampaignActive, models.CampaignClosed} {
			require.NoError(t, repo.CreateCampaign(ctx, &models.Campaign{
				ID:        string(rune('a' + i)),
				Name:      "c",
				Severity:  models.SeverityLow,
				Status:    st,
				Members:   []string{"soc:x"},
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
				UpdatedAt: base,
			}))
		}

		all, err := repo.ListCampaigns(ctx, models.CampaignFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].ID)
		assert.Equal(t, []string{"soc:x"}, all[0].Members)

		closed, err := repo.ListCampaigns(ctx, models.CampaignFilter{Status: models.CampaignClosed})
		require.NoError(t, err)
		require.Len(t, closed, 1)
		assert.Equal(t, "c", closed[0].ID)

		limited, err := repo.ListCampaigns(ctx, models.CampaignFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryTests(t, func(t *testing.T) Repository {
		return NewMemoryRepository()
	})
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.CreateCampaign(ctx, &models.Campaign{ID: "c1", Members: []string{"a", "b"}}))

	got, err := repo.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	got.Members[0] = "zzz"

	again, err := repo.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Members[0])
}
