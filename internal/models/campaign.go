package models

import "time"

// Correlation is a scored, undirected edge between two alerts.
// AlertA is always the lexically smaller key.
type Correlation struct {
	AlertA           string    `json:"alert_a"`
	AlertB           string    `json:"alert_b"`
	Score            float64   `json:"score"`
	DetectedAt       time.Time `json:"detected_at"`
	SharedIndicators []string  `json:"shared_indicators,omitempty"`
	SharedTechniques []string  `json:"shared_techniques,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
}

// PairKey returns the canonical ordering of two alert keys.
func PairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignEmerging CampaignStatus = "emerging"
	CampaignActive   CampaignStatus = "active"
	CampaignDormant  CampaignStatus = "dormant"
	CampaignClosed   CampaignStatus = "closed"
)

// Open reports whether the campaign can still absorb new members.
func (s CampaignStatus) Open() bool {
	return s != CampaignClosed
}

// Timeline event types.
const (
	TimelineCreated           = "created"
	TimelineMembersAdded      = "members_added"
	TimelineConfidenceUpdated = "confidence_updated"
	TimelineDormant           = "dormant"
	TimelineReactivated       = "reactivated"
	TimelineClosed            = "closed"
)

// TimelineEvent records one lifecycle change of a campaign.
type TimelineEvent struct {
	CampaignID  string    `json:"campaign_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"event_timestamp"`
	Description string    `json:"description"`
}

// Campaign is a cluster of correlated alerts treated as one threat activity.
type Campaign struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ConfidenceScore float64         `json:"confidence_score"`
	Severity        Severity        `json:"severity"`
	Status          CampaignStatus  `json:"status"`
	Members         []string        `json:"members"`
	Timeline        []TimelineEvent `json:"timeline,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CampaignFilter narrows campaign listings.
type CampaignFilter struct {
	Status CampaignStatus
	Limit  int
}
