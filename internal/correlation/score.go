package correlation

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// Weights of the three score terms. They are normalized by their sum.
type Weights struct {
	Indicator float64
	Technique float64
	Temporal  float64
}

// Breakdown is the scored relationship between two alerts.
type Breakdown struct {
	Score            float64
	Indicator        float64
	Technique        float64
	Temporal         float64
	SharedIndicators []string
	SharedTechniques []string
}

// Scorer computes pair scores. It is stateless and safe for concurrent use.
type Scorer struct {
	weights Weights
	window  time.Duration
}

func NewScorer(w Weights, window time.Duration) Scorer {
	if window <= 0 {
		window = time.Hour
	}
	return Scorer{weights: w, window: window}
}

// Score returns the composite score of a and b in [0,1].
func (s Scorer) Score(a, b *models.Alert) float64 {
	return s.Evaluate(a, b).Score
}

// Evaluate scores a and b and reports what they share. The result does not
// depend on argument order.
func (s Scorer) Evaluate(a, b *models.Alert) Breakdown {
	iocA, assetA := indicatorSet(a)
	iocB, assetB := indicatorSet(b)
	techA, techB := techniqueSet(a), techniqueSet(b)

	var bd Breakdown
	bd.SharedIndicators = intersect(iocA, iocB)
	bd.SharedTechniques = intersect(techA, techB)
	bd.Indicator = indicatorSimilarity(iocA, iocB, assetA, assetB, bd.SharedIndicators)
	bd.Technique = jaccard(techA, techB, len(bd.SharedTechniques))
	bd.Temporal = s.temporal(a.DetectedAt, b.DetectedAt)

	wI, wT, wP := s.weights.Indicator, s.weights.Technique, s.weights.Temporal
	// Without technique data on either side the technique term carries no
	// signal; its weight moves to the other two terms proportionally.
	if len(techA) == 0 && len(techB) == 0 && wI+wP > 0 {
		wI, wP = wI+wT*wI/(wI+wP), wP+wT*wP/(wI+wP)
		wT = 0
	}
	total := wI + wT + wP
	if total <= 0 {
		return bd
	}

	score := (wI*bd.Indicator + wT*bd.Technique + wP*bd.Temporal) / total
	bd.Score = math.Min(1, math.Max(0, score))
	return bd
}

// temporal decays linearly from 1 at equal timestamps to 0 at the window.
func (s Scorer) temporal(a, b time.Time) float64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	if d >= s.window {
		return 0
	}
	return 1 - float64(d)/float64(s.window)
}

// indicatorSet returns every indicator of a and, separately, the ones naming
// the alerting asset.
func indicatorSet(a *models.Alert) (all, asset map[string]struct{}) {
	all = make(map[string]struct{}, len(a.Indicators))
	for i, v := range a.IndicatorValues() {
		all[v] = struct{}{}
		if a.Indicators[i].Context == models.IndicatorContextAsset {
			if asset == nil {
				asset = map[string]struct{}{}
			}
			asset[v] = struct{}{}
		}
	}
	return all, asset
}

// indicatorSimilarity is the Jaccard index of a and b, except that asset
// indicators only enter the union when both alerts carry them.
func indicatorSimilarity(a, b, assetA, assetB map[string]struct{}, shared []string) float64 {
	union := len(a) + len(b) - len(shared)
	for v := range assetA {
		if _, ok := b[v]; !ok {
			union--
		}
	}
	for v := range assetB {
		if _, ok := a[v]; !ok {
			union--
		}
	}
	if union <= 0 {
		return 0
	}
	return float64(len(shared)) / float64(union)
}

// techniqueSet holds ATT&CK techniques plus the rule id and category, which
// stand in for techniques on sources that do not tag them.
func techniqueSet(a *models.Alert) map[string]struct{} {
	set := make(map[string]struct{}, len(a.Techniques)+2)
	for _, t := range a.Techniques {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			set[t] = struct{}{}
		}
	}
	if v := strings.TrimSpace(a.Metadata[models.MetaRuleID]); v != "" {
		set["rule:"+strings.ToLower(v)] = struct{}{}
	}
	if v := strings.TrimSpace(a.Metadata[models.MetaCategory]); v != "" {
		set["category:"+strings.ToLower(v)] = struct{}{}
	}
	return set
}

func intersect(a, b map[string]struct{}) []string {
	if len(b) < len(a) {
		a, b = b, a
	}
	var out []string
	for k := range a {
		if _, ok := b[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// jaccard of two sets given the size of their intersection. Two empty sets
// share no evidence and score 0.
func jaccard(a, b map[string]struct{}, shared int) float64 {
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
