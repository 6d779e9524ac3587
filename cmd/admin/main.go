// Package main provides the pairchat admin CLI for schema migrations and
// manual moderation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/whisper/pairchat/internal/app"
	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/user"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer a pairchat deployment",
		Long: `Administer a pairchat deployment.

The CLI reads the same configuration as the chatserver (CHAT_CONFIG, .env and
environment variables). Point it at the shared stores with STORE_BACKEND=redis
and DATABASE_URL, otherwise it operates on an empty in-memory instance.

Examples:
  admin migrate
  admin profile 3f2a...
  admin block 3f2a... --reason "spam"
  admin unblock 3f2a...
  admin stats
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("CHAT_CONFIG", configPath)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides CHAT_CONFIG)")

	cmd.AddCommand(migrateCmd(), profileCmd(), blockCmd(), unblockCmd(), strikesCmd(), statsCmd())
	return cmd
}

// withBackend loads the configuration, opens the stores and runs fn with a
// context cancelled on SIGINT/SIGTERM or after 30 seconds.
func withBackend(fn func(ctx context.Context, cfg *config.Config, b *app.Backend) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, cfg, b)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Store.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			db, err := user.OpenPostgres(ctx, cfg.Store.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := user.Migrate(db); err != nil {
				return err
			}
			fmt.Println("schema is up to date")
			return nil
		},
	}
}

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <user_id>",
		Short: "Show a user's profile and strike count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *app.Backend) error {
				eng := b.Engine(cfg, nil)
				u, err := eng.GetProfile(ctx, args[0])
				if err != nil {
					return err
				}
				strikes, err := eng.Strikes(ctx, args[0])
				if err != nil {
					return err
				}
				permanent := u.BlockedUntil != nil && ban.IsPermanent(*u.BlockedUntil)
				return printJSON(struct {
					protocol.Profile
					Strikes   int  `json:"strikes"`
					Permanent bool `json:"permanent"`
				}{protocol.NewProfile(u), strikes, permanent})
			})
		},
	}
}

func blockCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "block <user_id>",
		Short: "Record a strike and block the user per the escalation policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *app.Backend) error {
				res, err := b.Engine(cfg, nil).ApplyBlock(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"user_id":      res.UserID,
					"strikes":      res.Decision.Strikes,
					"tier":         res.Decision.Tier,
					"permanent":    res.Decision.Permanent(),
					"blockedUntil": protocol.FormatTime(res.Decision.Until),
					"reason":       res.Reason,
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded in the log")
	return cmd
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <user_id>",
		Short: "Lift a block and reset the user's strikes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *app.Backend) error {
				u, err := b.Engine(cfg, nil).Unblock(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(protocol.NewProfile(u))
			})
		},
	}
}

func strikesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strikes <user_id>",
		Short: "Show the user's strike count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *app.Backend) error {
				n, err := b.Strikes.Strikes(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the waiting pool size and active session count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *app.Backend) error {
				waiting, err := b.Pool.Size(ctx)
				if err != nil {
					return err
				}
				active, err := b.Sessions.ActiveCount(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]int64{"waiting": waiting, "active_sessions": active})
			})
		},
	}
}
