package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/threatlink/internal/models"
)

type pair struct{ a, b string }

// MemoryRepository keeps everything in process memory. It is used for
// single-node development and in tests.
type MemoryRepository struct {
	mu           sync.RWMutex
	alerts       map[string]models.Alert
	correlations map[pair]models.Correlation
	campaigns    map[string]*models.Campaign
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		alerts:       make(map[string]models.Alert),
		correlations: make(map[pair]models.Correlation),
		campaigns:    make(map[string]*models.Campaign),
		now:          time.Now,
	}
}

func (r *MemoryRepository) SaveAlerts(_ context.Context, alerts []models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range alerts {
		a.Normalize()
		key := a.Key()
		if prev, ok := r.alerts[key]; ok {
			a.Status = prev.Status
			a.CreatedAt = prev.CreatedAt
		}
		r.alerts[key] = a
	}
	return nil
}

func (r *MemoryRepository) GetAlert(_ context.Context, key string) (*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.alerts[key]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) GetAlerts(_ context.Context, keys []string) ([]models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	out := make([]models.Alert, 0, len(sorted))
	var last string
	for i, k := range sorted {
		if i > 0 && k == last {
			continue
		}
		last = k
		if a, ok := r.alerts[k]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListAlerts(_ context.Context, f models.AlertFilter) ([]models.Alert, error) {
	r.mu.RLock()
	var out []models.Alert
	for _, a := range r.alerts {
		if !f.Since.IsZero() && a.DetectedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !a.DetectedAt.Before(f.Until) {
			continue
		}
		if f.Source != "" && a.Source != f.Source {
			continue
		}
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].Key() < out[j].Key()
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []models.Alert{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	if out == nil {
		out = []models.Alert{}
	}
	return out, nil
}

func (r *MemoryRepository) UpdateAlertStatus(_ context.Context, key string, status models.AlertStatus) (*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.alerts[key]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if err := checkTransition(a.Status, status); err != nil {
		return nil, err
	}
	a.Status = status
	a.UpdatedAt = r.now().UTC()
	r.alerts[key] = a
	return &a, nil
}

func (r *MemoryRepository) UpsertCorrelation(_ context.Context, c models.Correlation) error {
	c.AlertA, c.AlertB = models.PairKey(c.AlertA, c.AlertB)
	r.mu.Lock()
	r.correlations[pair{c.AlertA, c.AlertB}] = c
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) DeleteCorrelation(_ context.Context, a, b string) error {
	a, b = models.PairKey(a, b)
	r.mu.Lock()
	delete(r.correlations, pair{a, b})
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) ListCorrelations(_ context.Context, minScore float64) ([]models.Correlation, error) {
	r.mu.RLock()
	out := make([]models.Correlation, 0, len(r.correlations))
	for _, c := range r.correlations {
		if c.Score >= minScore {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AlertA != out[j].AlertA {
			return out[i].AlertA < out[j].AlertA
		}
		return out[i].AlertB < out[j].AlertB
	})
	return out, nil
}

func (r *MemoryRepository) CreateCampaign(_ context.Context, c *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneCampaign(c)
	sort.Strings(cp.Members)
	for i := range cp.Timeline {
		cp.Timeline[i].CampaignID = c.ID
	}
	r.campaigns[c.ID] = cp
	return nil
}

func (r *MemoryRepository) UpdateCampaign(_ context.Context, c *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.campaigns[c.ID]
	if !ok {
		return ErrCampaignNotFound
	}
	cp := cloneCampaign(c)
	sort.Strings(cp.Members)
	cp.Timeline = prev.Timeline
	cp.CreatedAt = prev.CreatedAt
	r.campaigns[c.ID] = cp
	return nil
}

func (r *MemoryRepository) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	return cloneCampaign(c), nil
}

func (r *MemoryRepository) ListCampaigns(_ context.Context, f models.CampaignFilter) ([]models.Campaign, error) {
	r.mu.RLock()
	out := make([]models.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		cp := cloneCampaign(c)
		cp.Timeline = nil
		out = append(out, *cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) AppendTimeline(_ context.Context, ev models.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[ev.CampaignID]
	if !ok {
		return ErrCampaignNotFound
	}
	c.Timeline = append(c.Timeline, ev)
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

func cloneCampaign(c *models.Campaign) *models.Campaign {
	cp := *c
	cp.Members = append([]string(nil), c.Members...)
	cp.Timeline = append([]models.TimelineEvent(nil), c.Timeline...)
	return &cp
}
