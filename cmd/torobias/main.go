package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/torobias/torobias/internal/app"
	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/engine"
	"github.com/torobias/torobias/internal/gateway"
	gwredis "github.com/torobias/torobias/internal/gateway/redis"
	"github.com/torobias/torobias/internal/gateway/postgres"
	"github.com/torobias/torobias/internal/provider"
	"github.com/torobias/torobias/internal/scheduler"
)

const version = "v1.0.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "torobias",
		Short:   "Market bias engine: factor ingest, composite scoring, signal tracking",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/torobias.yaml", "path to the root config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full engine: ingest, recompute, scheduler, broadcast",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify-config",
		Short: "Validate the config, factor registry, and job schedule files",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			registry, err := factor.LoadRegistry(cfg.Registry)
			if err != nil {
				return err
			}
			jobs, err := scheduler.LoadJobs(cfg.Jobs)
			if err != nil {
				return err
			}
			cal, err := scheduler.NewCalendar(cfg.Timezone)
			if err != nil {
				return err
			}
			runner := scheduler.NewRunner(cal)
			for _, spec := range jobs {
				if err := runner.Register(spec, func(context.Context) error { return nil }); err != nil {
					return err
				}
			}
			fmt.Printf("config ok: %d factors, %d jobs, timezone %s\n",
				registry.Len(), len(jobs), cfg.Timezone)
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge-cache",
		Short: "Delete cached entries for a symbol, or any matching a pattern",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			symbol, _ := cmd.Flags().GetString("symbol")
			pattern, _ := cmd.Flags().GetString("pattern")

			patterns := []string{pattern}
			if symbol != "" {
				// All cached entries derived from one symbol's prices.
				patterns = []string{
					fmt.Sprintf("price:*:%s:*", symbol),
					gateway.CTAZoneKey(symbol),
					gateway.FlowKey(symbol),
				}
			}

			kv := gwredis.NewKV(gwredis.NewClient(cfg.Redis.Addr, cfg.Redis.DB))
			purged := 0
			for _, p := range patterns {
				keys, err := kv.Keys(cmd.Context(), p)
				if err != nil {
					return err
				}
				for _, key := range keys {
					if err := kv.Del(cmd.Context(), key); err != nil {
						return err
					}
					purged++
				}
			}
			fmt.Printf("purged %d keys\n", purged)
			return nil
		},
	}
	purgeCmd.Flags().String("symbol", "", "purge every cached entry for this symbol")
	purgeCmd.Flags().String("pattern", "factor:*:latest", "key glob to purge when no symbol is given")

	replayCmd := &cobra.Command{
		Use:   "replay-outcomes",
		Short: "Resolve pending signal outcomes against price history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			db, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
			if err != nil {
				return err
			}
			defer db.Close()

			rdb := gwredis.NewClient(cfg.Redis.Addr, cfg.Redis.DB)
			kv := gwredis.NewKV(rdb)
			hub := broadcast.NewHub(gwredis.NewAppendLog(rdb, cfg.Redis.StreamMaxLen))
			defer hub.Close()

			client := provider.NewClient(cfg.Provider.Build(), kv)
			svc := engine.NewOutcomeService(
				postgres.NewOutcomesRepo(db, postgres.DefaultQueryTimeout),
				provider.NewBarFetcher(client, kv),
				hub,
				outcome.NewReplayer(cfg.Outcome.MaxAgeDays, cfg.Outcome.IntrabarPolicy),
			)
			if sinceRaw, _ := cmd.Flags().GetString("since"); sinceRaw != "" {
				since, err := parseSince(sinceRaw)
				if err != nil {
					return err
				}
				svc.SetSince(since)
			}
			return svc.ReplayPending(ctx)
		},
	}
	replayCmd.Flags().String("since", "", "only replay signals created at or after this time (RFC3339 or YYYY-MM-DD)")

	resetBreakerCmd := &cobra.Command{
		Use:   "reset-breaker",
		Short: "Disengage the circuit breaker on a running server",
		Long: `Calls the admin surface of a running torobias server. The breaker lives
in the server process, so resetting it requires the server, not the database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			token, _ := cmd.Flags().GetString("token")
			return postAdmin(cmd.Context(), addr, token, "/admin/breaker/reset")
		},
	}
	resetBreakerCmd.Flags().String("addr", "http://127.0.0.1:8090", "server base URL")
	resetBreakerCmd.Flags().String("token", "", "admin bearer token")

	rootCmd.AddCommand(serveCmd, verifyCmd, purgeCmd, replayCmd, resetBreakerCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}

func postAdmin(ctx context.Context, addr, token, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	fmt.Println(string(body))
	return nil
}
