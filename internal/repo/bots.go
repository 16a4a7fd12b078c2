package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulseline/internal/domain"
)

const botColumns = `id,handle,persona_type,activity_level,preferred_hours_json,active_days_json,engagement_style_json,
daily_engagement_limit,engagements_today,total_engagements,last_engaged_at,is_active,created_at,updated_at`

func scanBot(s scanner) (domain.Bot, error) {
	var (
		b                    domain.Bot
		hours, days, style   string
		lastEngaged          sql.NullString
		active               int
		createdAt, updatedAt string
	)
	err := s.Scan(&b.ID, &b.Handle, &b.Persona, &b.ActivityLevel, &hours, &days, &style,
		&b.DailyEngagementLimit, &b.EngagementsToday, &b.TotalEngagements, &lastEngaged, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(hours), &b.PreferredHours); err != nil {
		return b, fmt.Errorf("bot %s preferred_hours: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(days), &b.ActiveDays); err != nil {
		return b, fmt.Errorf("bot %s active_days: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(style), &b.EngagementStyle); err != nil {
		return b, fmt.Errorf("bot %s engagement_style: %w", b.ID, err)
	}
	b.IsActive = active == 1
	if b.LastEngagedAt, err = parseNullTS(lastEngaged); err != nil {
		return b, err
	}
	if b.CreatedAt, err = parseTS(createdAt); err != nil {
		return b, err
	}
	if b.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return b, err
	}
	return b, nil
}

func botJSON(b domain.Bot) (hours, days, style string, err error) {
	h, d := b.PreferredHours, b.ActiveDays
	if h == nil {
		h = []int{}
	}
	if d == nil {
		d = []int{}
	}
	if hours, err = marshalJSON(h); err != nil {
		return
	}
	if days, err = marshalJSON(d); err != nil {
		return
	}
	st := b.EngagementStyle
	if st == nil {
		st = domain.EngagementStyle{}
	}
	style, err = marshalJSON(st)
	return
}

// InsertBot stores a validated bot.
func (r Repo) InsertBot(ctx context.Context, tx *sql.Tx, b domain.Bot) error {
	if err := b.Validate(); err != nil {
		return err
	}
	hours, days, style, err := botJSON(b)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO bots(`+botColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Handle, string(b.Persona), string(b.ActivityLevel), hours, days, style,
		b.DailyEngagementLimit, b.EngagementsToday, b.TotalEngagements, nullableTS(b.LastEngagedAt), boolInt(b.IsActive),
		FormatTS(b.CreatedAt), FormatTS(b.UpdatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("bot handle %s already exists: %w", b.Handle, ErrConflict)
	}
	return err
}

func (r Repo) GetBot(ctx context.Context, tx *sql.Tx, id string) (domain.Bot, error) {
	return scanBot(r.q(tx).QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id=?`, id))
}

// BotFilter narrows ListBots.
type BotFilter struct {
	Persona    domain.Persona
	ActiveOnly bool
	// WithQuota keeps only bots below their daily limit.
	WithQuota bool
	Limit     int
}

func (r Repo) ListBots(ctx context.Context, f BotFilter) ([]domain.Bot, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Persona != "" {
		clauses = append(clauses, "persona_type=?")
		args = append(args, string(f.Persona))
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	if f.WithQuota {
		clauses = append(clauses, "engagements_today < daily_engagement_limit")
	}
	query := `SELECT ` + botColumns + ` FROM bots`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// UpdateBot writes operator-controlled fields. Lowering the daily limit
// clamps today's counter so it never exceeds the new limit.
func (r Repo) UpdateBot(ctx context.Context, tx *sql.Tx, b domain.Bot) error {
	if err := b.Validate(); err != nil {
		return err
	}
	hours, days, style, err := botJSON(b)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bots SET persona_type=?, activity_level=?, preferred_hours_json=?, active_days_json=?,
engagement_style_json=?, daily_engagement_limit=?, engagements_today=MIN(engagements_today, ?), is_active=?, updated_at=? WHERE id=?`,
		string(b.Persona), string(b.ActivityLevel), hours, days, style, b.DailyEngagementLimit, b.DailyEngagementLimit,
		boolInt(b.IsActive), FormatTS(b.UpdatedAt), b.ID)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetCounters writes new engagement counters only if the stored
// values still equal the observed ones.
func (r Repo) CompareAndSetCounters(ctx context.Context, tx *sql.Tx, botID string, observedToday int, observedTotal int64, today int, total int64, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bots SET engagements_today=?, total_engagements=?, last_engaged_at=?, updated_at=?
WHERE id=? AND engagements_today=? AND total_engagements=? AND ? <= daily_engagement_limit`,
		today, total, FormatTS(at), FormatTS(at), botID, observedToday, observedTotal, today)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrConflict
	}
	return nil
}

// ResetDailyCounters zeroes engagements_today for every bot in one statement
// and reports how many bots changed. Running it again is a no-op.
func (r Repo) ResetDailyCounters(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bots SET engagements_today=0, updated_at=? WHERE engagements_today<>0`, FormatTS(now))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}
