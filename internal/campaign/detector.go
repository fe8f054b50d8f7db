// Package campaign clusters strongly correlated alerts into campaigns and
// maintains each campaign's lifecycle.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/metrics"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// Store is the persistence the detector needs.
type Store interface {
	ListCorrelations(ctx context.Context, minScore float64) ([]models.Correlation, error)
	GetAlerts(ctx context.Context, keys []string) ([]models.Alert, error)
	ListCampaigns(ctx context.Context, filter models.CampaignFilter) ([]models.Campaign, error)
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	AppendTimeline(ctx context.Context, ev models.TimelineEvent) error
}

type Config struct {
	// Threshold is the minimum edge score that links two alerts.
	Threshold      float64
	MinClusterSize int
	// MergeOverlap is the share of shared alerts, relative to the smaller of
	// cluster and campaign, at or above which a cluster merges into the
	// campaign.
	MergeOverlap float64
}

func DefaultConfig() Config {
	return Config{Threshold: 0.65, MinClusterSize: 3, MergeOverlap: 0.5}
}

// Result lists the campaigns a detection run created or changed.
type Result struct {
	NewCampaigns     []models.Campaign `json:"newCampaigns"`
	UpdatedCampaigns []models.Campaign `json:"updatedCampaigns"`
}

type Detector struct {
	store  Store
	cfg    Config
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewDetector(store Store, cfg Config, logger *slog.Logger) *Detector {
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = 2
	}
	return &Detector{
		store:  store,
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With(logging.Component("campaign")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the time source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// cluster is one connected component of the strong-edge graph.
type cluster struct {
	members    []string
	confidence float64
}

// DetectCampaigns clusters the current strong edges and reconciles the
// clusters with the stored campaigns. Runs are serialized.
func (d *Detector) DetectCampaigns(ctx context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := Result{NewCampaigns: []models.Campaign{}, UpdatedCampaigns: []models.Campaign{}}

	edges, err := d.store.ListCorrelations(ctx, d.cfg.Threshold)
	if err != nil {
		return res, d.fail(ctx, "list correlations", err)
	}
	clusters, linked := d.clusters(edges)

	existing, err := d.store.ListCampaigns(ctx, models.CampaignFilter{})
	if err != nil {
		return res, d.fail(ctx, "list campaigns", err)
	}
	var open []*models.Campaign
	for i := range existing {
		if existing[i].Status.Open() {
			open = append(open, &existing[i])
		}
	}

	now := d.now().UTC()
	claimed := make(map[string]bool)

	for _, cl := range clusters {
		target := d.match(cl, open, claimed)
		if target == nil {
			c, err := d.create(ctx, cl, now)
			if err != nil {
				return res, err
			}
			res.NewCampaigns = append(res.NewCampaigns, *c)
			continue
		}
		claimed[target.ID] = true
		changed, err := d.merge(ctx, target, cl, now)
		if err != nil {
			return res, err
		}
		if changed {
			res.UpdatedCampaigns = append(res.UpdatedCampaigns, *target)
		}
	}

	for _, c := range open {
		if claimed[c.ID] || c.Status == models.CampaignDormant || anyLinked(c.Members, linked) {
			continue
		}
		if err := d.transition(ctx, c, models.CampaignDormant, models.TimelineDormant,
			"no correlated activity remains", now); err != nil {
			return res, err
		}
		metrics.CampaignsDetected.WithLabelValues("dormant").Inc()
		res.UpdatedCampaigns = append(res.UpdatedCampaigns, *c)
	}

	if len(res.NewCampaigns)+len(res.UpdatedCampaigns) > 0 {
		d.logger.InfoContext(ctx, "campaign detection complete",
			slog.Int("clusters", len(clusters)),
			slog.Int("new", len(res.NewCampaigns)),
			slog.Int("updated", len(res.UpdatedCampaigns)))
	}
	return res, nil
}

// clusters returns the components that reach the minimum size, ordered by
// their smallest member, and the set of alerts on any strong edge.
func (d *Detector) clusters(edges []models.Correlation) ([]cluster, map[string]bool) {
	uf := newUnionFind()
	linked := make(map[string]bool)
	for _, e := range edges {
		uf.union(e.AlertA, e.AlertB)
		linked[e.AlertA] = true
		linked[e.AlertB] = true
	}

	members := make(map[string][]string)
	for k := range linked {
		r := uf.find(k)
		members[r] = append(members[r], k)
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, e := range edges {
		r := uf.find(e.AlertA)
		sums[r] += e.Score
		counts[r]++
	}

	var out []cluster
	for r, m := range members {
		if len(m) < d.cfg.MinClusterSize {
			continue
		}
		sort.Strings(m)
		out = append(out, cluster{members: m, confidence: sums[r] / float64(counts[r])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].members[0] < out[j].members[0] })
	return out, linked
}

// match picks the unclaimed open campaign with the largest overlap with cl,
// when that overlap reaches MergeOverlap. Overlap is measured against the
// smaller of the two member sets so a small cluster branching off a large
// campaign still joins it.
func (d *Detector) match(cl cluster, open []*models.Campaign, claimed map[string]bool) *models.Campaign {
	in := make(map[string]bool, len(cl.members))
	for _, m := range cl.members {
		in[m] = true
	}

	var best *models.Campaign
	bestOverlap := 0.0
	for _, c := range open {
		if claimed[c.ID] || len(c.Members) == 0 {
			continue
		}
		shared := 0
		for _, m := range c.Members {
			if in[m] {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		overlap := float64(shared) / float64(min(len(c.Members), len(cl.members)))
		if overlap < d.cfg.MergeOverlap {
			continue
		}
		if best == nil || overlap > bestOverlap ||
			(overlap == bestOverlap && c.CreatedAt.Before(best.CreatedAt)) {
			best, bestOverlap = c, overlap
		}
	}
	return best
}

func (d *Detector) create(ctx context.Context, cl cluster, now time.Time) (*models.Campaign, error) {
	alerts, err := d.store.GetAlerts(ctx, cl.members)
	if err != nil {
		return nil, d.fail(ctx, "load members", err)
	}

	id := d.newID()
	c := &models.Campaign{
		ID:              id,
		Name:            campaignName(id, now, alerts),
		ConfidenceScore: round(cl.confidence),
		Severity:        maxSeverity(alerts),
		Status:          models.CampaignEmerging,
		Members:         cl.members,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.Timeline = []models.TimelineEvent{{
		CampaignID:  id,
		EventType:   models.TimelineCreated,
		Timestamp:   now,
		Description: fmt.Sprintf("campaign created with %d alerts (confidence %.2f)", len(c.Members), c.ConfidenceScore),
	}}

	if err := d.store.CreateCampaign(ctx, c); err != nil {
		return nil, d.fail(ctx, "create campaign", err)
	}
	metrics.CampaignsDetected.WithLabelValues("created").Inc()
	d.logger.InfoContext(ctx, "campaign created",
		logging.CampaignID(id), slog.String("name", c.Name), logging.Count(len(c.Members)))
	return c, nil
}

// merge folds cl into c and reports whether anything changed.
func (d *Detector) merge(ctx context.Context, c *models.Campaign, cl cluster, now time.Time) (bool, error) {
	members, added := union(c.Members, cl.members)
	confidence := round(cl.confidence)

	alerts, err := d.store.GetAlerts(ctx, members)
	if err != nil {
		return false, d.fail(ctx, "load members", err)
	}
	severity := maxSeverity(alerts)

	var events []models.TimelineEvent
	status := c.Status
	switch {
	case c.Status == models.CampaignDormant:
		status = models.CampaignActive
		events = append(events, models.TimelineEvent{
			EventType:   models.TimelineReactivated,
			Description: "correlated activity resumed",
		})
	case c.Status == models.CampaignEmerging && added > 0:
		status = models.CampaignActive
	}
	if added > 0 {
		events = append(events, models.TimelineEvent{
			EventType:   models.TimelineMembersAdded,
			Description: fmt.Sprintf("%d alerts added (%d total, confidence %.2f)", added, len(members), confidence),
		})
	} else if confidence != c.ConfidenceScore {
		events = append(events, models.TimelineEvent{
			EventType:   models.TimelineConfidenceUpdated,
			Description: fmt.Sprintf("confidence %.2f -> %.2f", c.ConfidenceScore, confidence),
		})
	}

	if len(events) == 0 && severity == c.Severity {
		return false, nil
	}

	c.Members = members
	c.ConfidenceScore = confidence
	c.Severity = severity
	c.Status = status
	c.UpdatedAt = now
	if err := d.store.UpdateCampaign(ctx, c); err != nil {
		return false, d.fail(ctx, "update campaign", err)
	}
	for _, ev := range events {
		ev.CampaignID = c.ID
		ev.Timestamp = now
		if err := d.store.AppendTimeline(ctx, ev); err != nil {
			return false, d.fail(ctx, "append timeline", err)
		}
		c.Timeline = append(c.Timeline, ev)
	}

	metrics.CampaignsDetected.WithLabelValues("updated").Inc()
	d.logger.InfoContext(ctx, "campaign updated",
		logging.CampaignID(c.ID), logging.State(string(c.Status)), logging.Count(len(c.Members)))
	return true, nil
}

func (d *Detector) transition(ctx context.Context, c *models.Campaign, to models.CampaignStatus, event, desc string, now time.Time) error {
	from := c.Status
	c.Status = to
	c.UpdatedAt = now
	if err := d.store.UpdateCampaign(ctx, c); err != nil {
		return d.fail(ctx, "update campaign", err)
	}
	ev := models.TimelineEvent{
		CampaignID:  c.ID,
		EventType:   event,
		Timestamp:   now,
		Description: desc,
	}
	if err := d.store.AppendTimeline(ctx, ev); err != nil {
		return d.fail(ctx, "append timeline", err)
	}
	c.Timeline = append(c.Timeline, ev)
	d.logger.InfoContext(ctx, "campaign status changed",
		logging.CampaignID(c.ID), slog.String("from", string(from)), slog.String("to", string(to)))
	return nil
}

// CloseCampaign moves a campaign to closed. Closed campaigns are kept and
// never absorb new clusters. Closing twice is a no-op.
func (d *Detector) CloseCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == models.CampaignClosed {
		return c, nil
	}
	if err := d.transition(ctx, c, models.CampaignClosed, models.TimelineClosed,
		"closed by analyst", d.now().UTC()); err != nil {
		return nil, err
	}
	metrics.CampaignsDetected.WithLabelValues("closed").Inc()
	return c, nil
}

func (d *Detector) fail(ctx context.Context, stage string, err error) error {
	metrics.AnalysisErrors.WithLabelValues("campaign").Inc()
	d.logger.ErrorContext(ctx, "campaign detection failed", slog.String("stage", stage), logging.Error(err))
	return fmt.Errorf("campaign detection: %s: %w", stage, err)
}

func anyLinked(members []string, linked map[string]bool) bool {
	for _, m := range members {
		if linked[m] {
			return true
		}
	}
	return false
}

// union returns the sorted union of a and b and how many of b were new.
func union(a, b []string) ([]string, int) {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, m := range a {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	added := 0
	for _, m := range b {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
			added++
		}
	}
	sort.Strings(out)
	return out, added
}

func maxSeverity(alerts []models.Alert) models.Severity {
	sev := models.SeverityLow
	for _, a := range alerts {
		sev = models.MaxSeverity(sev, a.Severity)
	}
	return sev
}

// round keeps confidence comparable across runs and stores.
func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// campaignName is "Campaign <date>-<short id>", followed by the indicator
// most members share when there is one.
func campaignName(id string, now time.Time, alerts []models.Alert) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("Campaign %s-%s", now.Format("2006-01-02"), short)
	if ind := dominantIndicator(alerts); ind != "" {
		name += " (" + ind + ")"
	}
	return name
}

func dominantIndicator(alerts []models.Alert) string {
	counts := make(map[string]int)
	for i := range alerts {
		seen := make(map[string]bool)
		for _, ind := range alerts[i].Indicators {
			v := strings.ToLower(ind.Value)
			if !seen[v] {
				seen[v] = true
				counts[v]++
			}
		}
	}
	best, bestN := "", 0
	for v, n := range counts {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	if bestN < 2 {
		return ""
	}
	return best
}
