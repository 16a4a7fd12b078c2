package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/events"
	"pulseline/internal/repo"
	"pulseline/internal/schedule"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Loc       *time.Location
	Now       func() time.Time
	Rand      schedule.Rand
	Actions   ContentAction
	Generator ContentGenerator
	Settings  SettingsSource
	Logger    *slog.Logger
	Limiter   *rate.Limiter
	Tracer    trace.Tracer
}

// New wires an engine over db. Actions and Generator are left for the caller.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return Engine{}, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:       db,
		Repo:     r,
		Config:   cfg,
		Loc:      loc,
		Now:      time.Now,
		Rand:     schedule.NewSource(seed),
		Settings: RepoSettings{Repo: r, Seed: cfg.Settings},
		Logger:   slog.Default(),
		Tracer:   otel.Tracer("pulseline/internal/engine"),
	}
	if cfg.Dispatch.RatePerSecond > 0 {
		e.Limiter = rate.NewLimiter(rate.Limit(cfg.Dispatch.RatePerSecond), cfg.Dispatch.Burst)
	}
	e.Events = events.Writer{Now: e.now}
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) loc() *time.Location {
	if e.Loc != nil {
		return e.Loc
	}
	return time.UTC
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer("pulseline/internal/engine")
}

func (e Engine) rng() schedule.Rand {
	if e.Rand != nil {
		return e.Rand
	}
	return schedule.NewSource(uint64(time.Now().UnixNano()))
}

// withTx runs fn inside a write transaction and commits when it returns nil.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CurrentSettings returns the settings snapshot consulted by the triggers.
func (e Engine) CurrentSettings(ctx context.Context) (domain.Settings, error) {
	if e.Settings == nil {
		if e.Config != nil {
			return e.Config.Settings, nil
		}
		return domain.Settings{}, errors.New("settings source not configured")
	}
	return e.Settings.Settings(ctx)
}

// UpdateSettings validates and stores a new settings snapshot.
func (e Engine) UpdateSettings(ctx context.Context, s domain.Settings, actorID string) (domain.Settings, error) {
	if err := s.Validate(); err != nil {
		return domain.Settings{}, err
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertSettings(ctx, tx, s, e.now()); err != nil {
			return fmt.Errorf("store settings: %w", err)
		}
		return e.Events.Append(ctx, tx, events.SettingsUpdated, "settings", "1", actorID, events.EventPayload{
			"enabled": s.Enabled, "intensity": s.Intensity,
		})
	})
	return s, err
}

// BotCreateOptions are parameters for provisioning a bot. Unset schedule
// fields take the persona defaults.
type BotCreateOptions struct {
	ID              string
	Handle          string
	Persona         domain.Persona
	ActivityLevel   domain.ActivityLevel
	PreferredHours  []int
	ActiveDays      []int
	EngagementStyle domain.EngagementStyle
	DailyLimit      int
	Inactive        bool
	ActorID         string
}

func (e Engine) CreateBot(ctx context.Context, opts BotCreateOptions) (domain.Bot, error) {
	handle := strings.TrimSpace(opts.Handle)
	if handle == "" {
		return domain.Bot{}, domain.ValidationError{Field: "handle", Reason: "required"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	b := domain.Bot{
		ID:                   id,
		Handle:               handle,
		Persona:              opts.Persona,
		ActivityLevel:        opts.ActivityLevel,
		PreferredHours:       domain.NormalizeSet(opts.PreferredHours),
		ActiveDays:           domain.NormalizeSet(opts.ActiveDays),
		EngagementStyle:      opts.EngagementStyle,
		DailyEngagementLimit: opts.DailyLimit,
		IsActive:             !opts.Inactive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	b.ApplyPersonaDefaults()
	if err := b.Validate(); err != nil {
		return domain.Bot{}, err
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertBot(ctx, tx, b); err != nil {
			return fmt.Errorf("insert bot: %w", err)
		}
		return e.Events.Append(ctx, tx, events.BotCreated, "bot", b.ID, opts.ActorID, events.EventPayload{
			"handle": b.Handle, "persona": b.Persona, "daily_engagement_limit": b.DailyEngagementLimit,
		})
	})
	if err != nil {
		return domain.Bot{}, err
	}
	return b, nil
}

// BotUpdateOptions changes operator-controlled bot fields. Nil fields are kept.
type BotUpdateOptions struct {
	ID              string
	Persona         *domain.Persona
	PreferredHours  []int
	ActiveDays      []int
	EngagementStyle domain.EngagementStyle
	DailyLimit      *int
	Active          *bool
	ActorID         string
}

func (e Engine) UpdateBot(ctx context.Context, opts BotUpdateOptions) (domain.Bot, error) {
	var b domain.Bot
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = e.Repo.GetBot(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		changed := map[string]any{}
		if opts.Persona != nil && *opts.Persona != b.Persona {
			b.Persona = *opts.Persona
			b.ActivityLevel = b.Persona.Profile().ActivityLevel()
			changed["persona"] = b.Persona
		}
		if opts.PreferredHours != nil {
			b.PreferredHours = domain.NormalizeSet(opts.PreferredHours)
			changed["preferred_hours"] = b.PreferredHours
		}
		if opts.ActiveDays != nil {
			b.ActiveDays = domain.NormalizeSet(opts.ActiveDays)
			changed["active_days"] = b.ActiveDays
		}
		if opts.EngagementStyle != nil {
			b.EngagementStyle = opts.EngagementStyle
			changed["engagement_style"] = b.EngagementStyle
		}
		if opts.DailyLimit != nil {
			b.DailyEngagementLimit = *opts.DailyLimit
			if b.EngagementsToday > b.DailyEngagementLimit {
				b.EngagementsToday = b.DailyEngagementLimit
			}
			changed["daily_engagement_limit"] = b.DailyEngagementLimit
		}
		if opts.Active != nil {
			b.IsActive = *opts.Active
			changed["is_active"] = b.IsActive
		}
		if len(changed) == 0 {
			return nil
		}
		b.UpdatedAt = e.now()
		if err := e.Repo.UpdateBot(ctx, tx, b); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.BotUpdated, "bot", b.ID, opts.ActorID, events.EventPayload(changed))
	})
	if err != nil {
		return domain.Bot{}, err
	}
	return b, nil
}

// AddContent registers published content for the next scan.
func (e Engine) AddContent(ctx context.Context, c domain.Content) (domain.Content, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.now()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if err := e.Repo.InsertContent(ctx, nil, c); err != nil {
		return domain.Content{}, err
	}
	return c, nil
}

// SetBoost creates or replaces a curation boost. The boosted content is
// planned again on the next scan.
func (e Engine) SetBoost(ctx context.Context, b domain.CuratedContentBoost, actorID string) (domain.CuratedContentBoost, error) {
	b.CreatedAt = e.now()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetContent(ctx, tx, b.ContentType, b.ContentID); err != nil {
			return fmt.Errorf("content %s/%s: %w", b.ContentType, b.ContentID, err)
		}
		if err := e.Repo.UpsertBoost(ctx, tx, b); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.BoostUpdated, "content", b.ContentID, actorID, events.EventPayload{
			"content_type": b.ContentType, "priority": b.Priority, "engagement_multiplier": b.EngagementMultiplier,
		})
	})
	if err != nil {
		return domain.CuratedContentBoost{}, err
	}
	return b, nil
}

// CreateAPIKey issues a new operator key and returns the plaintext secret once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor is required")
	}
	secret := "pl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: repo.FormatTS(e.now()),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, actorID, events.EventPayload{"name": name})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
