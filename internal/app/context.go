package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/engine"
	"pulseline/internal/migrate"
	"pulseline/internal/platform"
	"pulseline/internal/repo"
	"pulseline/internal/textgen"
)

// Open prepares the workspace database and returns an engine wired to the
// configured platform and text-generation services. Without a platform URL
// actions run in dry-run mode; without a textgen URL canned phrases are used.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace, MaxOpenConns: cfg.Dispatch.Workers + 4})
	if err != nil {
		return engine.Engine{}, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	if err := SeedSettings(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	e.Logger = logger
	e.Actions = Actions(cfg, logger)
	e.Generator = Generator(cfg, logger)
	return e, nil
}

// Actions picks the platform adapter for cfg.
func Actions(cfg *config.Config, logger *slog.Logger) engine.ContentAction {
	if cfg.Platform.URL == "" {
		return platform.DryRun{Logger: logger.With("subsystem", "platform")}
	}
	return platform.NewClient(cfg.Platform.URL, cfg.Platform.Token)
}

// Generator picks the text-generation adapter for cfg.
func Generator(cfg *config.Config, logger *slog.Logger) engine.ContentGenerator {
	if cfg.TextGen.URL == "" {
		return textgen.Fallback{}
	}
	return textgen.NewClient(cfg.TextGen.URL, cfg.TextGen.Token,
		textgen.WithRetryMax(cfg.TextGen.RetryMax),
		textgen.WithTimeout(cfg.TextGen.Timeout.Duration),
		textgen.WithLogger(logger.With("subsystem", "textgen")),
	)
}

// SeedSettings stores the config's settings snapshot when the database has none.
func SeedSettings(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	_, err := r.GetSettings(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := r.UpsertSettings(ctx, nil, cfg.Settings, time.Now()); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// Close releases the engine's database handle.
func Close(e engine.Engine) error {
	if e.DB == nil {
		return nil
	}
	return e.DB.Close()
}
