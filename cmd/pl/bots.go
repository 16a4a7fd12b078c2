package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/repo"
)

func botCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bot", Short: "Manage bot accounts"}
	cmd.AddCommand(botAddCmd())
	cmd.AddCommand(botListCmd())
	cmd.AddCommand(botShowCmd())
	cmd.AddCommand(botUpdateCmd())
	cmd.AddCommand(botSeedCmd())
	return cmd
}

func botAddCmd() *cobra.Command {
	var id, handle, persona, hours, days string
	var limit int
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a bot; unset schedule fields take the persona defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParsePersona(persona)
			if err != nil {
				return err
			}
			preferred, err := parseIntSet(hours)
			if err != nil {
				return fmt.Errorf("--hours: %w", err)
			}
			active, err := parseIntSet(days)
			if err != nil {
				return fmt.Errorf("--days: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBot(ctx, engine.BotCreateOptions{
					ID:             id,
					Handle:         handle,
					Persona:        p,
					PreferredHours: preferred,
					ActiveDays:     active,
					DailyLimit:     limit,
					Inactive:       inactive,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printBots([]domain.Bot{b})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "bot id (generated when empty)")
	cmd.Flags().StringVar(&handle, "handle", "", "public handle")
	cmd.Flags().StringVar(&persona, "persona", string(domain.PersonaCasual), "persona (enthusiast, casual, supportive, lurker)")
	cmd.Flags().StringVar(&hours, "hours", "", "preferred hours, e.g. 9-17,20")
	cmd.Flags().StringVar(&days, "days", "", "active weekdays, 0=Sunday, e.g. 1-5")
	cmd.Flags().IntVar(&limit, "limit", 0, "daily engagement limit")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the bot disabled")
	_ = cmd.MarkFlagRequired("handle")
	return cmd
}

func botListCmd() *cobra.Command {
	var persona string
	var activeOnly bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bots, err := e.Repo.ListBots(ctx, repo.BotFilter{Persona: domain.Persona(persona), ActiveOnly: activeOnly, Limit: limit})
				if err != nil {
					return err
				}
				return printBots(bots)
			})
		},
	}
	cmd.Flags().StringVar(&persona, "persona", "", "persona filter")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active bots")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func botShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBot(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func botUpdateCmd() *cobra.Command {
	var persona, hours, days string
	var limit int
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a bot's persona, schedule, quota or active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.BotUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			flags := cmd.Flags()
			if flags.Changed("persona") {
				p, err := domain.ParsePersona(persona)
				if err != nil {
					return err
				}
				opts.Persona = &p
			}
			if flags.Changed("hours") {
				set, err := parseIntSet(hours)
				if err != nil {
					return fmt.Errorf("--hours: %w", err)
				}
				opts.PreferredHours = append([]int{}, set...)
			}
			if flags.Changed("days") {
				set, err := parseIntSet(days)
				if err != nil {
					return fmt.Errorf("--days: %w", err)
				}
				opts.ActiveDays = append([]int{}, set...)
			}
			if flags.Changed("limit") {
				opts.DailyLimit = &limit
			}
			if flags.Changed("active") {
				opts.Active = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.UpdateBot(ctx, opts)
				if err != nil {
					return err
				}
				return printBots([]domain.Bot{b})
			})
		},
	}
	cmd.Flags().StringVar(&persona, "persona", "", "persona")
	cmd.Flags().StringVar(&hours, "hours", "", "preferred hours")
	cmd.Flags().StringVar(&days, "days", "", "active weekdays")
	cmd.Flags().IntVar(&limit, "limit", 0, "daily engagement limit")
	cmd.Flags().BoolVar(&active, "active", true, "enable or disable the bot")
	return cmd
}

func botSeedCmd() *cobra.Command {
	var count int
	var persona string
	var seed int64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a batch of bots with generated handles for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			var fixed domain.Persona
			if persona != "" {
				p, err := domain.ParsePersona(persona)
				if err != nil {
					return err
				}
				fixed = p
			}
			faker := gofakeit.New(seed)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created := make([]domain.Bot, 0, count)
				for i := 0; i < count; i++ {
					p := fixed
					if p == "" {
						p = domain.Personas[faker.IntRange(0, len(domain.Personas)-1)]
					}
					b, err := e.CreateBot(ctx, engine.BotCreateOptions{
						Handle:  seedHandle(faker),
						Persona: p,
						ActorID: viper.GetString("actor-id"),
					})
					if err != nil {
						return err
					}
					created = append(created, b)
				}
				return printBots(created)
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of bots")
	cmd.Flags().StringVar(&persona, "persona", "", "persona for every bot (random when empty)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "generator seed (0 = random)")
	return cmd
}

// seedHandle alternates between faker usernames and pet names.
func seedHandle(faker *gofakeit.Faker) string {
	if faker.Bool() {
		return strings.ToLower(faker.Username())
	}
	return petname.Generate(2, "_") + fmt.Sprintf("%02d", faker.Number(0, 99))
}

func printBots(bots []domain.Bot) error {
	return printJSONOrTable(bots, table.Row{"ID", "Handle", "Persona", "Hours", "Days", "Today", "Limit", "Total", "Active"}, func(tw table.Writer) {
		for _, b := range bots {
			tw.AppendRow(table.Row{b.ID, b.Handle, b.Persona, formatIntSet(b.PreferredHours), formatIntSet(b.ActiveDays),
				b.EngagementsToday, b.DailyEngagementLimit, b.TotalEngagements, b.IsActive})
		}
	})
}

func contentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "content", Short: "Register and list published content"}
	cmd.AddCommand(contentAddCmd())
	cmd.AddCommand(contentListCmd())
	return cmd
}

func contentAddCmd() *cobra.Command {
	var id, typ, author, createdAt string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a published post or project",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := domain.Content{ID: id, Type: domain.TargetType(typ), AuthorID: author}
			if createdAt != "" {
				ts, err := time.Parse(time.RFC3339, createdAt)
				if err != nil {
					return fmt.Errorf("--created-at: %w", err)
				}
				c.CreatedAt = ts
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddContent(ctx, c)
				if err != nil {
					return err
				}
				return printContent([]domain.Content{c})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "content id")
	cmd.Flags().StringVar(&typ, "type", string(domain.TargetPost), "content type (Post, Project)")
	cmd.Flags().StringVar(&author, "author", "", "author user id")
	cmd.Flags().StringVar(&createdAt, "created-at", "", "publication time (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func contentListCmd() *cobra.Command {
	var unplanned bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListContent(ctx, unplanned, limit)
				if err != nil {
					return err
				}
				return printContent(items)
			})
		},
	}
	cmd.Flags().BoolVar(&unplanned, "unplanned", false, "only content not yet planned")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func printContent(items []domain.Content) error {
	return printJSONOrTable(items, table.Row{"Type", "ID", "Author", "Created", "Planned"}, func(tw table.Writer) {
		for _, c := range items {
			planned := ""
			if c.PlannedAt != nil {
				planned = c.PlannedAt.Format(time.RFC3339)
			}
			tw.AppendRow(table.Row{c.Type, c.ID, c.AuthorID, c.CreatedAt.Format(time.RFC3339), planned})
		}
	})
}

func boostCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "boost", Short: "Manage curation boosts"}
	cmd.AddCommand(boostSetCmd())
	cmd.AddCommand(boostListCmd())
	return cmd
}

func boostSetCmd() *cobra.Command {
	var typ, id string
	var priority int
	var multiplier float64
	var expiresIn time.Duration
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace a boost; boosted content is planned again on the next scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := domain.CuratedContentBoost{
				ContentType:          domain.TargetType(typ),
				ContentID:            id,
				Priority:             priority,
				EngagementMultiplier: multiplier,
			}
			if expiresIn > 0 {
				exp := time.Now().Add(expiresIn).UTC()
				b.ExpiresAt = &exp
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SetBoost(ctx, b, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printBoosts([]domain.CuratedContentBoost{b})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(domain.TargetPost), "content type (Post, Project)")
	cmd.Flags().StringVar(&id, "id", "", "content id")
	cmd.Flags().IntVar(&priority, "priority", 0, "scan priority, higher first")
	cmd.Flags().Float64Var(&multiplier, "multiplier", 1, "engagement multiplier (0 suppresses engagement)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "boost lifetime (0 = no expiry)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func boostListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List boosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var at *time.Time
				if activeOnly {
					now := time.Now().UTC()
					at = &now
				}
				items, err := e.Repo.ListBoosts(ctx, at)
				if err != nil {
					return err
				}
				return printBoosts(items)
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only unexpired boosts")
	return cmd
}

func printBoosts(items []domain.CuratedContentBoost) error {
	return printJSONOrTable(items, table.Row{"Type", "ID", "Priority", "Multiplier", "Expires"}, func(tw table.Writer) {
		for _, b := range items {
			exp := ""
			if b.ExpiresAt != nil {
				exp = b.ExpiresAt.Format(time.RFC3339)
			}
			tw.AppendRow(table.Row{b.ContentType, b.ContentID, b.Priority, b.EngagementMultiplier, exp})
		}
	})
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Show or change engagement settings"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CurrentSettings(ctx)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace settings from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var s domain.Settings
			if err := yaml.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("invalid settings yaml: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.UpdateSettings(ctx, s, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	})
	cmd.AddCommand(settingsSetCmd())
	return cmd
}

func settingsSetCmd() *cobra.Command {
	var enabled bool
	var intensity string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change individual settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CurrentSettings(ctx)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("enabled") {
					s.Enabled = enabled
				}
				if cmd.Flags().Changed("intensity") {
					s.Intensity = domain.Intensity(intensity)
				}
				saved, err := e.UpdateSettings(ctx, s, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "master switch")
	cmd.Flags().StringVar(&intensity, "intensity", "", "low, medium or high")
	return cmd
}
