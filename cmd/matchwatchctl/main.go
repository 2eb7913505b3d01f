// Command matchwatchctl is the Matchwatch operator CLI. It runs single
// pipeline cycles on demand and exposes the dead-letter and suppression
// overrides without going through the HTTP API.
//
// Usage:
//
//	matchwatchctl migrate
//	matchwatchctl detect
//	matchwatchctl drain
//	matchwatchctl dead list --limit 20
//	matchwatchctl dead requeue 3f6c...
//	matchwatchctl suppression remove someone@example.com
//	matchwatchctl webhook sign --id msg_1 --file bounce.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/matchwatch/internal/app"
	"github.com/albapepper/matchwatch/internal/config"
	"github.com/albapepper/matchwatch/internal/db"
	"github.com/albapepper/matchwatch/internal/webhook"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "matchwatchctl",
		Short:         "Matchwatch operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(detectCmd())
	root.AddCommand(drainCmd())
	root.AddCommand(releaseCmd())
	root.AddCommand(cleanupCmd())
	root.AddCommand(deadCmd())
	root.AddCommand(suppressionCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(webhookCmd())

	if err := root.Execute(); err != nil {
		logger.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// Pipeline cycles
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrate requires STORE_DRIVER=postgres")
			}
			if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("Schema applied")
			return nil
		},
	}
}

func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run one detect cycle: poll tracked players and enqueue notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				res, err := a.Pipeline.RunDetectCycle(ctx)
				if err != nil {
					return err
				}
				logger.Info("Detect cycle finished", "summary", res.Summary())
				for _, e := range res.Errors {
					logger.Warn("cycle error", "error", e)
				}
				return nil
			})
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Claim and send one batch of due queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				res, err := a.Pipeline.RunDrain(ctx)
				if err != nil {
					return err
				}
				logger.Info("Drain finished", "summary", res.Summary())
				for _, e := range res.Errors {
					logger.Warn("drain error", "error", e)
				}
				return nil
			})
		},
	}
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Return stale processing claims to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				n, err := a.Pipeline.RunRelease(ctx)
				if err != nil {
					return err
				}
				logger.Info("Stale claims released", "count", n)
				return nil
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune rows past their retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				res, err := a.Pipeline.RunCleanup(ctx)
				logger.Info("Cleanup finished",
					"audit", res.Audit,
					"status_changes", res.StatusChanges,
					"queue_items", res.QueueItems)
				return err
			})
		},
	}
}

// --------------------------------------------------------------------------
// Operator overrides
// --------------------------------------------------------------------------

func deadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect and requeue dead letters",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.DeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				for _, it := range items {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\tattempts=%d\t%s\n",
						it.ID, it.Recipient, it.EntityID, it.UpdatedAt.Format(time.RFC3339), it.Attempts, it.LastError)
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "Maximum items to list")

	requeue := &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Move dead or failed items back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					if _, err := a.Queue.Requeue(ctx, id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func suppressionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppression",
		Short: "Inspect and lift address suppressions",
	}
	get := &cobra.Command{
		Use:   "get <address>",
		Short: "Show the suppression entry for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				e, err := a.Suppression.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					e.Address, e.Reason, e.SourceItemID, e.CreatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove <address>",
		Short: "Lift a suppression so the address can be sent to again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				return a.Suppression.Remove(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(get, remove)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log reports",
	}
	var since time.Duration
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count audit entries per event type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				counts, err := a.Audit.Stats(ctx, time.Now().Add(-since))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(counts)
			})
		},
	}
	stats.Flags().DurationVar(&since, "since", 24*time.Hour, "Look-back window")
	cmd.AddCommand(stats)
	return cmd
}

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Webhook helpers for local testing",
	}
	var id, file string
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Print signature headers for a payload using WEBHOOK_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("WEBHOOK_SECRET")
			if secret == "" {
				return fmt.Errorf("WEBHOOK_SECRET is required")
			}
			v, err := webhook.NewVerifier(secret, 0)
			if err != nil {
				return err
			}
			body, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			now := time.Now()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", webhook.HeaderID, id)
			fmt.Fprintf(out, "%s: %d\n", webhook.HeaderTimestamp, now.Unix())
			fmt.Fprintf(out, "%s: %s\n", webhook.HeaderSignature, v.Sign(id, now, body))
			return nil
		},
	}
	sign.Flags().StringVar(&id, "id", "msg_local", "svix-id to sign with")
	sign.Flags().StringVar(&file, "file", "", "Payload file")
	_ = sign.MarkFlagRequired("file")
	cmd.AddCommand(sign)
	return cmd
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func run(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// The CLI never serves the webhook endpoint.
	cfg.WebhookAllowUnsigned = true

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
