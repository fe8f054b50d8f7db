package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/threatlink/common/database"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn. The schema is expected to be
// migrated already (see database.Migrate).
func NewPostgresRepository(ctx context.Context, dsn string, opts database.PoolOptions) (*PostgresRepository, error) {
	pool, err := database.NewPool(ctx, dsn, opts)
	if err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

const alertColumns = `id, source, source_type, title, description, severity, status,
	indicators, techniques, metadata, raw, detected_at, created_at, updated_at`

func (r *PostgresRepository) SaveAlerts(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `
		INSERT INTO alerts (alert_key, ` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (alert_key) DO UPDATE SET
			source_type = EXCLUDED.source_type,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			severity = EXCLUDED.severity,
			indicators = EXCLUDED.indicators,
			techniques = EXCLUDED.techniques,
			metadata = EXCLUDED.metadata,
			raw = EXCLUDED.raw,
			detected_at = EXCLUDED.detected_at,
			updated_at = EXCLUDED.updated_at
	`

	batch := &pgx.Batch{}
	for i := range alerts {
		a := alerts[i]
		a.Normalize()
		indicators, err := json.Marshal(a.Indicators)
		if err != nil {
			return fmt.Errorf("failed to encode indicators of %s: %w", a.Key(), err)
		}
		metadata, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata of %s: %w", a.Key(), err)
		}
		techniques := a.Techniques
		if techniques == nil {
			techniques = []string{}
		}
		var raw []byte
		if len(a.Raw) > 0 && json.Valid(a.Raw) {
			raw = a.Raw
		}
		batch.Queue(query,
			a.Key(), a.ID, a.Source, string(a.SourceType), a.Title, a.Description,
			string(a.Severity), string(a.Status), indicators, techniques, metadata, raw,
			a.DetectedAt, a.CreatedAt, a.UpdatedAt,
		)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save alerts: %w", err)
	}
	return nil
}

func scanAlert(row pgx.Row) (models.Alert, error) {
	var (
		a                              models.Alert
		sourceType, severity, status   string
		indicators, metadata, rawBytes []byte
	)
	err := row.Scan(
		&a.ID, &a.Source, &sourceType, &a.Title, &a.Description, &severity, &status,
		&indicators, &a.Techniques, &metadata, &rawBytes, &a.DetectedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.SourceType = models.SourceType(sourceType)
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	if err := json.Unmarshal(indicators, &a.Indicators); err != nil {
		return a, fmt.Errorf("failed to decode indicators: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return a, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if len(rawBytes) > 0 {
		a.Raw = json.RawMessage(rawBytes)
	}
	if len(a.Techniques) == 0 {
		a.Techniques = nil
	}
	a.DetectedAt = a.DetectedAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.Normalize()
	return a, nil
}

func collectAlerts(rows pgx.Rows) ([]models.Alert, error) {
	defer rows.Close()
	out := []models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetAlert(ctx context.Context, key string) (*models.Alert, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_key = $1`, key)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return &a, nil
}

func (r *PostgresRepository) GetAlerts(ctx context.Context, keys []string) ([]models.Alert, error) {
	if len(keys) == 0 {
		return []models.Alert{}, nil
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_key = ANY($1) ORDER BY alert_key`, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to get alerts: %w", err)
	}
	return collectAlerts(rows)
}

func (r *PostgresRepository) ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.Since.IsZero() {
		where = append(where, "detected_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "detected_at < "+arg(f.Until))
	}
	if f.Source != "" {
		where = append(where, "source = "+arg(f.Source))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at, alert_key"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return collectAlerts(rows)
}

func (r *PostgresRepository) UpdateAlertStatus(ctx context.Context, key string, status models.AlertStatus) (*models.Alert, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAlert(tx.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_key = $1 FOR UPDATE`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	if err := checkTransition(a.Status, status); err != nil {
		return nil, err
	}

	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE alerts SET status = $2, updated_at = $3 WHERE alert_key = $1`,
		key, string(status), a.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &a, nil
}

func (r *PostgresRepository) UpsertCorrelation(ctx context.Context, c models.Correlation) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	c.AlertA, c.AlertB = models.PairKey(c.AlertA, c.AlertB)
	shared := c.SharedIndicators
	if shared == nil {
		shared = []string{}
	}
	techniques := c.SharedTechniques
	if techniques == nil {
		techniques = []string{}
	}

	query := `
		INSERT INTO threat_correlations (alert_a, alert_b, score, detected_at, shared_indicators, shared_techniques, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (alert_a, alert_b) DO UPDATE SET
			score = EXCLUDED.score,
			detected_at = EXCLUDED.detected_at,
			shared_indicators = EXCLUDED.shared_indicators,
			shared_techniques = EXCLUDED.shared_techniques,
			run_id = EXCLUDED.run_id
	`
	if _, err := r.pool.Exec(ctx, query,
		c.AlertA, c.AlertB, c.Score, c.DetectedAt, shared, techniques, c.RunID); err != nil {
		return fmt.Errorf("failed to upsert correlation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteCorrelation(ctx context.Context, a, b string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	a, b = models.PairKey(a, b)
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM threat_correlations WHERE alert_a = $1 AND alert_b = $2`, a, b); err != nil {
		return fmt.Errorf("failed to delete correlation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListCorrelations(ctx context.Context, minScore float64) ([]models.Correlation, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT alert_a, alert_b, score, detected_at, shared_indicators, shared_techniques, run_id
		FROM threat_correlations
		WHERE score >= $1
		ORDER BY alert_a, alert_b
	`, minScore)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	defer rows.Close()

	out := []models.Correlation{}
	for rows.Next() {
		var c models.Correlation
		if err := rows.Scan(&c.AlertA, &c.AlertB, &c.Score, &c.DetectedAt,
			&c.SharedIndicators, &c.SharedTechniques, &c.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		c.DetectedAt = c.DetectedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlations: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO campaigns (id, name, confidence_score, severity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.Name, c.ConfidenceScore, string(c.Severity), string(c.Status), c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	if err := insertMembers(ctx, tx, c.ID, c.Members); err != nil {
		return err
	}
	for _, ev := range c.Timeline {
		ev.CampaignID = c.ID
		if err := insertTimeline(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET name = $2, confidence_score = $3, severity = $4, status = $5, updated_at = $6
		WHERE id = $1
	`, c.ID, c.Name, c.ConfidenceScore, string(c.Severity), string(c.Status), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}

	members := c.Members
	if members == nil {
		members = []string{}
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM campaign_members WHERE campaign_id = $1 AND NOT (alert_key = ANY($2))`,
		c.ID, members); err != nil {
		return fmt.Errorf("failed to prune campaign members: %w", err)
	}
	if err := insertMembers(ctx, tx, c.ID, members); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertMembers(ctx context.Context, tx pgx.Tx, campaignID string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`
			INSERT INTO campaign_members (campaign_id, alert_key)
			VALUES ($1, $2)
			ON CONFLICT (campaign_id, alert_key) DO NOTHING
		`, campaignID, m)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store campaign members: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTimeline(ctx context.Context, q execer, ev models.TimelineEvent) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO campaign_timeline (campaign_id, event_type, event_timestamp, description)
		VALUES ($1, $2, $3, $4)
	`, ev.CampaignID, ev.EventType, ev.Timestamp, ev.Description); err != nil {
		return fmt.Errorf("failed to append timeline event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendTimeline(ctx context.Context, ev models.TimelineEvent) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, ev.CampaignID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check campaign: %w", err)
	}
	if !exists {
		return ErrCampaignNotFound
	}
	return insertTimeline(ctx, r.pool, ev)
}

const campaignColumns = `id, name, confidence_score, severity, status, created_at, updated_at`

func scanCampaign(row pgx.Row) (models.Campaign, error) {
	var (
		c                models.Campaign
		severity, status string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.ConfidenceScore, &severity, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.Severity = models.Severity(severity)
	c.Status = models.CampaignStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (r *PostgresRepository) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	c, err := scanCampaign(r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	members, err := r.members(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c.Members = members[id]
	if c.Members == nil {
		c.Members = []string{}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT campaign_id, event_type, event_timestamp, description
		FROM campaign_timeline
		WHERE campaign_id = $1
		ORDER BY event_timestamp, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign timeline: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev models.TimelineEvent
		if err := rows.Scan(&ev.CampaignID, &ev.EventType, &ev.Timestamp, &ev.Description); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		c.Timeline = append(c.Timeline, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timeline: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) ListCampaigns(ctx context.Context, f models.CampaignFilter) ([]models.Campaign, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += " WHERE status = $1"
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	out := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	members, err := r.members(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Members = members[out[i].ID]
		if out[i].Members == nil {
			out[i].Members = []string{}
		}
	}
	return out, nil
}

func (r *PostgresRepository) members(ctx context.Context, ids []string) (map[string][]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT campaign_id, alert_key FROM campaign_members WHERE campaign_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign members: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string, len(ids))
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("failed to scan campaign member: %w", err)
		}
		out[id] = append(out[id], key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaign members: %w", err)
	}
	for _, m := range out {
		sort.Strings(m)
	}
	return out, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
