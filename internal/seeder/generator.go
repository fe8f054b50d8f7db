// Package seeder generates synthetic alert traffic: uncorrelated background
// noise plus clusters of alerts that share infrastructure, so a fresh
// deployment has correlations and campaigns to look at.
package seeder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Record is one alert in the generic webhook format.
type Record map[string]any

type Config struct {
	// Count is the number of background alerts.
	Count int
	// Campaigns is the number of correlated clusters, each CampaignSize alerts.
	Campaigns    int
	CampaignSize int
	// Spread is how far back from now background alerts are placed.
	Spread time.Duration
	// Seed makes output reproducible. Zero seeds from the clock.
	Seed int64
}

func DefaultConfig() Config {
	return Config{Count: 200, Campaigns: 3, CampaignSize: 5, Spread: 24 * time.Hour}
}

var (
	techniquePool = []string{"T1059.001", "T1071.001", "T1110", "T1486", "T1566.001", "T1078", "T1021.001", "T1003"}
	categories    = []string{"malware", "phishing", "brute_force", "exfiltration", "lateral_movement", "recon"}
	severities    = []string{"low", "medium", "high", "critical"}
	titles        = []string{
		"Suspicious PowerShell execution",
		"Outbound connection to rare domain",
		"Multiple failed logons",
		"Ransomware file extension observed",
		"Phishing attachment opened",
		"New service installed",
		"Credential dumping tool detected",
	}
)

type Generator struct {
	f   *gofakeit.Faker
	cfg Config
	now func() time.Time
}

func NewGenerator(cfg Config) *Generator {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 24 * time.Hour
	}
	if cfg.CampaignSize < 3 {
		cfg.CampaignSize = 3
	}
	return &Generator{f: gofakeit.New(cfg.Seed), cfg: cfg, now: time.Now}
}

// Records returns background and campaign alerts ordered by detection time.
func (g *Generator) Records() []Record {
	now := g.now().UTC()
	out := make([]Record, 0, g.cfg.Count+g.cfg.Campaigns*g.cfg.CampaignSize)

	for i := 0; i < g.cfg.Count; i++ {
		at := now.Add(-time.Duration(g.f.Number(0, int(g.cfg.Spread/time.Second))) * time.Second)
		out = append(out, g.background(i, at))
	}
	for c := 0; c < g.cfg.Campaigns; c++ {
		out = append(out, g.campaign(c, now)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i]["detected_at"].(string) < out[j]["detected_at"].(string)
	})
	return out
}

func (g *Generator) background(i int, at time.Time) Record {
	return Record{
		"id":          fmt.Sprintf("seed-%d-bg-%d", g.cfg.Seed, i),
		"title":       g.f.RandomString(titles),
		"description": fmt.Sprintf("%s observed on %s", g.f.HackerPhrase(), g.f.DomainName()),
		"severity":    g.f.RandomString(severities),
		"detected_at": at.Format(time.RFC3339),
		"techniques":  []string{g.f.RandomString(techniquePool)},
		"category":    g.f.RandomString(categories),
		"rule_id":     fmt.Sprintf("bg-%03d", g.f.IntRange(1, 400)),
		"host":        g.f.Username() + "-wks",
		"user":        g.f.Username(),
		"source_ip":   g.f.IPv4Address(),
		"dest_ip":     g.f.IPv4Address(),
	}
}

// campaign emits alerts sharing a C2 address, domain and payload hash a few
// minutes apart, which is enough to link them above the campaign threshold.
func (g *Generator) campaign(c int, now time.Time) []Record {
	c2IP := g.f.IPv4Address()
	domain := fmt.Sprintf("%s-%s.%s", g.f.Word(), g.f.Word(), g.f.RandomString([]string{"top", "xyz", "info", "biz"}))
	hash := sha256Hex(g.f.UUID())
	techs := []string{g.f.RandomString(techniquePool), g.f.RandomString(techniquePool)}
	category := g.f.RandomString(categories)
	start := now.Add(-time.Duration(g.f.IntRange(30, 600)) * time.Minute)

	out := make([]Record, 0, g.cfg.CampaignSize)
	for i := 0; i < g.cfg.CampaignSize; i++ {
		at := start.Add(time.Duration(i*g.f.IntRange(1, 5)) * time.Minute)
		out = append(out, Record{
			"id":    fmt.Sprintf("seed-%d-c%d-%d", g.cfg.Seed, c, i),
			"title": g.f.RandomString(titles),
			"description": fmt.Sprintf("Host %s contacted %s (%s), dropped payload %s",
				g.f.Username()+"-srv", domain, c2IP, hash),
			"severity":    g.f.RandomString(severities[1:]),
			"detected_at": at.Format(time.RFC3339),
			"techniques":  techs,
			"category":    category,
			"rule_id":     fmt.Sprintf("camp-%d", c),
			"dest_ip":     c2IP,
		})
	}
	return out
}

// Payload wraps records in the generic webhook envelope.
func Payload(records []Record) ([]byte, error) {
	return json.Marshal(map[string]any{"alerts": records})
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
