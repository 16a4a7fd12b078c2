package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pulseline/internal/domain"
)

const contentColumns = `c.id,c.type,c.author_id,c.created_at,c.planned_at`

func scanContent(dest []any, c *domain.Content, createdAt *string, plannedAt *sql.NullString) []any {
	return append(dest, &c.ID, &c.Type, &c.AuthorID, createdAt, plannedAt)
}

func finishContent(c *domain.Content, createdAt string, plannedAt sql.NullString) error {
	var err error
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return err
	}
	c.PlannedAt, err = parseNullTS(plannedAt)
	return err
}

func validateContent(c domain.Content) error {
	if c.ID == "" {
		return domain.ValidationError{Field: "id", Reason: "required"}
	}
	if c.Type != domain.TargetPost && c.Type != domain.TargetProject {
		return domain.ValidationError{Field: "type", Reason: fmt.Sprintf("content type must be Post or Project, got %q", c.Type)}
	}
	if c.AuthorID == "" {
		return domain.ValidationError{Field: "author_id", Reason: "required"}
	}
	return nil
}

// InsertContent registers a published item for planning.
func (r Repo) InsertContent(ctx context.Context, tx *sql.Tx, c domain.Content) error {
	if err := validateContent(c); err != nil {
		return err
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO contents(id,type,author_id,created_at,planned_at) VALUES (?,?,?,?,?)`,
		c.ID, string(c.Type), c.AuthorID, FormatTS(c.CreatedAt), nullableTS(c.PlannedAt))
	return err
}

func (r Repo) GetContent(ctx context.Context, tx *sql.Tx, typ domain.TargetType, id string) (domain.Content, error) {
	var (
		c         domain.Content
		createdAt string
		plannedAt sql.NullString
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+contentColumns+` FROM contents c WHERE c.type=? AND c.id=?`, string(typ), id).
		Scan(scanContent(nil, &c, &createdAt, &plannedAt)...)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	return c, finishContent(&c, createdAt, plannedAt)
}

// ListContent returns content newest first.
func (r Repo) ListContent(ctx context.Context, unplannedOnly bool, limit int) ([]domain.Content, error) {
	query := `SELECT ` + contentColumns + ` FROM contents c`
	if unplannedOnly {
		query += ` WHERE c.planned_at IS NULL`
	}
	query += ` ORDER BY c.created_at DESC, c.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Content
	for rows.Next() {
		var (
			c         domain.Content
			createdAt string
			plannedAt sql.NullString
		)
		if err := rows.Scan(scanContent(nil, &c, &createdAt, &plannedAt)...); err != nil {
			return nil, err
		}
		if err := finishContent(&c, createdAt, plannedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkContentPlanned stamps planned_at so the next scan skips the item.
func (r Repo) MarkContentPlanned(ctx context.Context, tx *sql.Tx, typ domain.TargetType, id string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE contents SET planned_at=? WHERE type=? AND id=?`, FormatTS(now), string(typ), id)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertBoost creates or replaces the curation boost for a content item.
// Replacing a boost resets created_at so the item is planned again.
func (r Repo) UpsertBoost(ctx context.Context, tx *sql.Tx, b domain.CuratedContentBoost) error {
	if b.EngagementMultiplier < 0 {
		return domain.ValidationError{Field: "engagement_multiplier", Reason: "must be >= 0"}
	}
	if b.ContentType != domain.TargetPost && b.ContentType != domain.TargetProject {
		return domain.ValidationError{Field: "content_type", Reason: fmt.Sprintf("content type must be Post or Project, got %q", b.ContentType)}
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO content_boosts(content_type,content_id,priority,engagement_multiplier,expires_at,created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(content_type,content_id) DO UPDATE SET priority=excluded.priority,
engagement_multiplier=excluded.engagement_multiplier, expires_at=excluded.expires_at, created_at=excluded.created_at`,
		string(b.ContentType), b.ContentID, b.Priority, b.EngagementMultiplier, nullableTS(b.ExpiresAt), FormatTS(b.CreatedAt))
	return err
}

const boostColumns = `b.content_type,b.content_id,b.priority,b.engagement_multiplier,b.expires_at,b.created_at`

func scanBoost(s scanner) (domain.CuratedContentBoost, error) {
	var (
		b         domain.CuratedContentBoost
		expiresAt sql.NullString
		createdAt string
	)
	err := s.Scan(&b.ContentType, &b.ContentID, &b.Priority, &b.EngagementMultiplier, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if b.ExpiresAt, err = parseNullTS(expiresAt); err != nil {
		return b, err
	}
	b.CreatedAt, err = parseTS(createdAt)
	return b, err
}

func (r Repo) GetBoost(ctx context.Context, tx *sql.Tx, typ domain.TargetType, id string) (domain.CuratedContentBoost, error) {
	return scanBoost(r.q(tx).QueryRowContext(ctx, `SELECT `+boostColumns+` FROM content_boosts b WHERE b.content_type=? AND b.content_id=?`, string(typ), id))
}

// ListBoosts returns boosts by priority. A non-nil activeAt drops expired ones.
func (r Repo) ListBoosts(ctx context.Context, activeAt *time.Time) ([]domain.CuratedContentBoost, error) {
	query := `SELECT ` + boostColumns + ` FROM content_boosts b`
	var args []any
	if activeAt != nil {
		query += ` WHERE b.expires_at IS NULL OR b.expires_at > ?`
		args = append(args, FormatTS(*activeAt))
	}
	query += ` ORDER BY b.priority DESC, b.created_at`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CuratedContentBoost
	for rows.Next() {
		b, err := scanBoost(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ScanCandidate is a content item due for planning with its active boost, if any.
type ScanCandidate struct {
	Content domain.Content
	Boost   *domain.CuratedContentBoost
}

// ListScanCandidates returns unplanned content created since the lookback
// cutoff, plus boosted content not planned since its boost was created.
// Boosted items come first by priority, then oldest content first.
func (r Repo) ListScanCandidates(ctx context.Context, since, now time.Time, limit int) ([]ScanCandidate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contentColumns+`,
b.content_id IS NOT NULL, COALESCE(b.priority,0), COALESCE(b.engagement_multiplier,1), b.expires_at, COALESCE(b.created_at,'')
FROM contents c
LEFT JOIN content_boosts b ON b.content_type=c.type AND b.content_id=c.id AND (b.expires_at IS NULL OR b.expires_at > ?)
WHERE (c.planned_at IS NULL AND c.created_at >= ?)
   OR (b.content_id IS NOT NULL AND (c.planned_at IS NULL OR c.planned_at < b.created_at))
ORDER BY COALESCE(b.priority,0) DESC, c.created_at, c.id
LIMIT ?`, FormatTS(now), FormatTS(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ScanCandidate
	for rows.Next() {
		var (
			cand         ScanCandidate
			createdAt    string
			plannedAt    sql.NullString
			boosted      bool
			boost        domain.CuratedContentBoost
			expiresAt    sql.NullString
			boostCreated string
		)
		dest := scanContent(nil, &cand.Content, &createdAt, &plannedAt)
		dest = append(dest, &boosted, &boost.Priority, &boost.EngagementMultiplier, &expiresAt, &boostCreated)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if err := finishContent(&cand.Content, createdAt, plannedAt); err != nil {
			return nil, err
		}
		if boosted {
			boost.ContentType = cand.Content.Type
			boost.ContentID = cand.Content.ID
			if boost.ExpiresAt, err = parseNullTS(expiresAt); err != nil {
				return nil, err
			}
			if boost.CreatedAt, err = parseTS(boostCreated); err != nil {
				return nil, err
			}
			cand.Boost = &boost
		}
		res = append(res, cand)
	}
	return res, rows.Err()
}
