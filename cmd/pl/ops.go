package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/repo"
	"pulseline/internal/server"
)

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Plan engagement for recent and boosted content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ScanContent(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep, table.Row{"Scanned", "Planned", "Failed", "Intents", "Disabled"}, func(tw table.Writer) {
					tw.AppendRow(table.Row{rep.Scanned, rep.Planned, rep.Failed, rep.Intents, rep.Disabled})
				})
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Execute due engagement intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.DispatchDue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep, table.Row{"Due", "Executed", "Failed", "Skipped", "Expired", "Conflicts", "Errors"}, func(tw table.Writer) {
					tw.AppendRow(table.Row{rep.Due, rep.Executed, rep.Failed, rep.Skipped, rep.Expired, rep.Conflicts, rep.Errors})
				})
			})
		},
	}
}

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "quota", Short: "Daily quota maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Zero every bot's daily engagement counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ResetDaily(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"bots_reset": n})
				}
				fmt.Printf("reset %d bot(s)\n", n)
				return nil
			})
		},
	})
	return cmd
}

func intentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "intent", Short: "Inspect engagement intents"}
	cmd.AddCommand(intentListCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Repo.GetIntent(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	})
	return cmd
}

func intentListCmd() *cobra.Command {
	var f repo.IntentFilter
	var status, typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.IntentStatus(status)
			f.Type = domain.EngagementType(typ)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListIntents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, table.Row{"ID", "Bot", "Type", "Target", "Scheduled", "Status", "Reason"}, func(tw table.Writer) {
					for _, it := range items {
						reason, _ := it.Metadata["failure_reason"].(string)
						if reason == "" {
							reason, _ = it.Metadata["skip_reason"].(string)
						}
						tw.AppendRow(table.Row{it.ID, it.BotID, it.EngagementType, string(it.TargetType) + "/" + it.TargetID,
							it.ScheduledFor.Format(time.RFC3339), it.Status, reason})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.BotID, "bot", "", "bot id")
	cmd.Flags().StringVar(&f.ContentID, "content", "", "content id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&typ, "type", "", "engagement type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events, table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"}, func(tw table.Writer) {
					for _, evt := range events {
						tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
					}
				})
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, table.Row{"ID", "Actor", "Name", "Created"}, func(tw table.Writer) {
					for _, k := range keys {
						tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
					}
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var scanEvery, dispatchEvery time.Duration
	var resetDaily bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if authCfg.JWTSecret == "" {
				slog.Warn("PULSELINE_JWT_SECRET not set; only API keys are accepted")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logger := slog.Default()
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				triggers := server.Triggers{
					Engine:        e,
					ScanEvery:     scanEvery,
					DispatchEvery: dispatchEvery,
					ResetDaily:    resetDaily,
					Logger:        logger.With("subsystem", "triggers"),
				}
				done := make(chan struct{})
				go func() {
					defer close(done)
					triggers.Run(ctx)
				}()
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving pulseline api", "addr", addr, "base_path", basePath,
					"scan_every", scanEvery, "dispatch_every", dispatchEvery)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				<-done
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&scanEvery, "scan-every", 0, "run a content scan on this interval (0 = off)")
	cmd.Flags().DurationVar(&dispatchEvery, "dispatch-every", 0, "run a dispatch pass on this interval (0 = off)")
	cmd.Flags().BoolVar(&resetDaily, "reset-daily", false, "reset daily quotas at local midnight")
	return cmd
}
