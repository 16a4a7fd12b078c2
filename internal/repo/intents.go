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

const intentColumns = `id,bot_id,engagement_type,target_type,target_id,COALESCE(content_id,''),scheduled_for,executed_at,
status,metadata_json,COALESCE(claim_token,''),claimed_at,created_at,updated_at`

// dueStatuses are the statuses the dispatcher treats as not yet attempted.
const dueStatuses = `('pending','scheduled')`

func scanIntent(s scanner) (domain.EngagementIntent, error) {
	var (
		it                    domain.EngagementIntent
		scheduledFor, meta    string
		createdAt, updatedAt  string
		executedAt, claimedAt sql.NullString
	)
	err := s.Scan(&it.ID, &it.BotID, &it.EngagementType, &it.TargetType, &it.TargetID, &it.ContentID, &scheduledFor,
		&executedAt, &it.Status, &meta, &it.ClaimToken, &claimedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &it.Metadata); err != nil {
			return it, fmt.Errorf("intent %s metadata: %w", it.ID, err)
		}
	}
	if it.ScheduledFor, err = parseTS(scheduledFor); err != nil {
		return it, err
	}
	if it.ExecutedAt, err = parseNullTS(executedAt); err != nil {
		return it, err
	}
	if it.ClaimedAt, err = parseNullTS(claimedAt); err != nil {
		return it, err
	}
	if it.CreatedAt, err = parseTS(createdAt); err != nil {
		return it, err
	}
	if it.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return it, err
	}
	return it, nil
}

func scanIntents(rows *sql.Rows) ([]domain.EngagementIntent, error) {
	defer rows.Close()
	var res []domain.EngagementIntent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// InsertIntent stores a new intent. When an open intent already exists for
// the same (bot, target, engagement type) it returns ErrDuplicateIntent.
func (r Repo) InsertIntent(ctx context.Context, tx *sql.Tx, it domain.EngagementIntent) error {
	if !it.EngagementType.Valid() {
		return domain.ValidationError{Field: "engagement_type", Reason: fmt.Sprintf("unknown type %q", it.EngagementType)}
	}
	if !it.TargetType.Valid() {
		return domain.ValidationError{Field: "target_type", Reason: fmt.Sprintf("unknown type %q", it.TargetType)}
	}
	if it.Status == "" {
		it.Status = domain.StatusPending
	}
	meta := it.Metadata
	if meta == nil {
		meta = domain.Metadata{}
	}
	payload, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO engagement_intents(
id,bot_id,engagement_type,target_type,target_id,content_id,scheduled_for,status,metadata_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.BotID, string(it.EngagementType), string(it.TargetType), it.TargetID, nullable(it.ContentID),
		FormatTS(it.ScheduledFor), string(it.Status), payload, FormatTS(it.CreatedAt), FormatTS(it.UpdatedAt))
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrDuplicateIntent
	}
	return nil
}

// HasOpenIntent reports whether a pending, scheduled or executed intent
// exists for the tuple, ignoring excludeID.
func (r Repo) HasOpenIntent(ctx context.Context, tx *sql.Tx, botID string, targetType domain.TargetType, targetID string, typ domain.EngagementType, excludeID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM engagement_intents
WHERE bot_id=? AND target_type=? AND target_id=? AND engagement_type=? AND status IN ('pending','scheduled','executed') AND id<>?`,
		botID, string(targetType), targetID, string(typ), excludeID).Scan(&n)
	return n > 0, err
}

// OpenIntentBots returns the bots holding an open intent for the target and type.
func (r Repo) OpenIntentBots(ctx context.Context, targetType domain.TargetType, targetID string, typ domain.EngagementType) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT bot_id FROM engagement_intents
WHERE target_type=? AND target_id=? AND engagement_type=? AND status IN ('pending','scheduled','executed')`,
		string(targetType), targetID, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

func (r Repo) GetIntent(ctx context.Context, tx *sql.Tx, id string) (domain.EngagementIntent, error) {
	return scanIntent(r.q(tx).QueryRowContext(ctx, `SELECT `+intentColumns+` FROM engagement_intents WHERE id=?`, id))
}

// ListDueIntents returns unclaimed intents scheduled at or before now, oldest first.
func (r Repo) ListDueIntents(ctx context.Context, now time.Time, limit int) ([]domain.EngagementIntent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+intentColumns+` FROM engagement_intents
WHERE status IN `+dueStatuses+` AND claim_token IS NULL AND scheduled_for <= ?
ORDER BY scheduled_for, id LIMIT ?`, FormatTS(now), limit)
	if err != nil {
		return nil, err
	}
	return scanIntents(rows)
}

type IntentFilter struct {
	BotID     string
	ContentID string
	Status    domain.IntentStatus
	Type      domain.EngagementType
	Limit     int
}

func (r Repo) ListIntents(ctx context.Context, f IntentFilter) ([]domain.EngagementIntent, error) {
	var (
		clauses []string
		args    []any
	)
	if f.BotID != "" {
		clauses = append(clauses, "bot_id=?")
		args = append(args, f.BotID)
	}
	if f.ContentID != "" {
		clauses = append(clauses, "content_id=?")
		args = append(args, f.ContentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		clauses = append(clauses, "engagement_type=?")
		args = append(args, string(f.Type))
	}
	query := `SELECT ` + intentColumns + ` FROM engagement_intents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY scheduled_for, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanIntents(rows)
}

// CountInflightClaims counts claimed but unfinished intents of a bot.
func (r Repo) CountInflightClaims(ctx context.Context, tx *sql.Tx, botID, excludeID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM engagement_intents
WHERE bot_id=? AND status IN `+dueStatuses+` AND claim_token IS NOT NULL AND id<>?`, botID, excludeID).Scan(&n)
	return n, err
}

// ClaimIntent marks an unclaimed due intent as owned by token.
func (r Repo) ClaimIntent(ctx context.Context, tx *sql.Tx, id, token string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE engagement_intents SET claim_token=?, claimed_at=?, updated_at=?
WHERE id=? AND status IN `+dueStatuses+` AND claim_token IS NULL`, token, FormatTS(now), FormatTS(now), id)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrConflict
	}
	return nil
}

// RenewClaim restarts the claim window of an intent still held under token.
// It returns ErrConflict once the claim has been expired or finished.
func (r Repo) RenewClaim(ctx context.Context, tx *sql.Tx, id, token string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE engagement_intents SET claimed_at=?, updated_at=?
WHERE id=? AND status IN `+dueStatuses+` AND claim_token=?`, FormatTS(now), FormatTS(now), id, token)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrConflict
	}
	return nil
}

// SkipIntent moves an unclaimed due intent to skipped and records the reason.
func (r Repo) SkipIntent(ctx context.Context, tx *sql.Tx, id, reason string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE engagement_intents
SET status='skipped', metadata_json=json_set(metadata_json,'$.skip_reason',?), updated_at=?
WHERE id=? AND status IN `+dueStatuses+` AND claim_token IS NULL`, reason, FormatTS(now), id)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrConflict
	}
	return nil
}

// FinishIntent writes the terminal outcome of a claimed intent. The update
// applies only while the intent is still due and held by token.
func (r Repo) FinishIntent(ctx context.Context, tx *sql.Tx, id, token string, status domain.IntentStatus, executedAt *time.Time, meta domain.Metadata, now time.Time) error {
	if meta == nil {
		meta = domain.Metadata{}
	}
	payload, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE engagement_intents SET status=?, executed_at=?, metadata_json=?, updated_at=?
WHERE id=? AND claim_token=? AND status IN `+dueStatuses,
		string(status), nullableTS(executedAt), payload, FormatTS(now), id, token)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrConflict
	}
	return nil
}

// ExpireClaims fails due intents whose claim is older than cutoff and
// returns their ids.
func (r Repo) ExpireClaims(ctx context.Context, tx *sql.Tx, cutoff, now time.Time) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `UPDATE engagement_intents
SET status='failed', metadata_json=json_set(metadata_json,'$.failure_reason','claim_expired'), updated_at=?
WHERE status IN `+dueStatuses+` AND claim_token IS NOT NULL AND claimed_at < ?
RETURNING id`, FormatTS(now), FormatTS(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountIntentsByStatus returns intent totals keyed by status.
func (r Repo) CountIntentsByStatus(ctx context.Context) (map[domain.IntentStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM engagement_intents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.IntentStatus]int{}
	for rows.Next() {
		var (
			s domain.IntentStatus
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}
