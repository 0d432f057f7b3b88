// Command server runs the pfeil gateway: an Anthropic-style Messages API
// in front of a Google-style generative backend, fanned out over a pool of
// OAuth accounts.
//
// Configuration is read from a YAML file (-config flag, PFEIL_CONFIG env,
// ./config.yaml, /etc/pfeil/config.yaml) with PFEIL_* environment
// overrides; see pkg/config. A .env file in the working directory is
// loaded first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/pfeil-dev/pfeil/pkg/accounts"
	"github.com/pfeil-dev/pfeil/pkg/auth"
	"github.com/pfeil-dev/pfeil/pkg/config"
	"github.com/pfeil-dev/pfeil/pkg/credstore"
	"github.com/pfeil-dev/pfeil/pkg/debug"
	"github.com/pfeil-dev/pfeil/pkg/gateway"
	"github.com/pfeil-dev/pfeil/pkg/oauth"
	"github.com/pfeil-dev/pfeil/pkg/observability"
	"github.com/pfeil-dev/pfeil/pkg/storage"
	"github.com/pfeil-dev/pfeil/pkg/storage/memory"
	"github.com/pfeil-dev/pfeil/pkg/storage/postgres"
	"github.com/pfeil-dev/pfeil/pkg/stream"
	"github.com/pfeil-dev/pfeil/pkg/toolguard"
	transporthttp "github.com/pfeil-dev/pfeil/pkg/transport/http"
	"github.com/pfeil-dev/pfeil/pkg/upstream/gemini"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Best effort; a missing .env is fine.
	_ = godotenv.Load()

	debug.Init("", "")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential store.
	credDir := cfg.Credentials.Dir
	if credDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		credDir = filepath.Join(home, ".pfeil", "credentials")
	}
	key, err := credstore.LoadKey()
	if err != nil {
		return fmt.Errorf("loading encryption key: %w", err)
	}
	store, err := credstore.New(credDir, key)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	// Endpoints left empty fall back to Google's published URLs.
	authenticator := oauth.New(oauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Scopes:       cfg.OAuth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.OAuth.AuthURL,
			TokenURL: cfg.OAuth.TokenURL,
		},
		RevokeURL:     cfg.OAuth.RevokeURL,
		UserInfoURL:   cfg.OAuth.UserInfoURL,
		RedirectPort:  cfg.OAuth.RedirectPort,
		FlowTimeout:   cfg.OAuth.FlowTimeout,
		RefreshBuffer: cfg.OAuth.RefreshBuffer,
	}, store)

	// Account pool.
	pool := accounts.NewPool(tierTable(cfg.Accounts.Tiers))
	for _, entry := range cfg.Accounts.Entries {
		pool.Add(accounts.Account{
			Email:  entry.Email,
			Tier:   accounts.Tier(entry.Tier),
			Active: true,
		})
	}
	slog.Info("account pool ready", "accounts", len(cfg.Accounts.Entries))

	// Usage ledger.
	var ledger storage.Ledger
	switch cfg.Storage.Type {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Storage.Postgres.DSN,
			MaxConns: cfg.Storage.Postgres.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		ledger = pg
		slog.Info("usage ledger ready", "type", "postgres")
	default:
		ledger = memory.New()
		slog.Info("usage ledger ready", "type", "memory")
	}

	// Rehydrate today's counters so a restart does not reset daily quotas.
	for _, entry := range cfg.Accounts.Entries {
		day, err := ledger.Day(ctx, entry.Email, time.Now())
		if err != nil {
			continue // no usage recorded yet
		}
		pool.Restore(entry.Email, accounts.Usage{
			RequestsToday: day.Requests,
			DayWindowAt:   day.Day,
		})
	}

	// Pipeline.
	client := gemini.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Model)
	gw := gateway.New(pool, authenticator, store, client, ledger, gateway.Config{
		Stream: stream.Config{
			MaxRetries:       cfg.Stream.MaxRetries,
			InitialBackoff:   cfg.Stream.InitialBackoff,
			MaxBackoff:       cfg.Stream.MaxBackoff,
			HeartbeatTimeout: cfg.Stream.HeartbeatTimeout,
			MaxBufferBytes:   cfg.Stream.MaxBufferBytes,
			ChannelBuffer:    stream.DefaultConfig().ChannelBuffer,
		},
		Tools: toolguard.Config{
			Namespace:      cfg.Tools.Namespace,
			StrictMode:     cfg.Tools.StrictMode,
			MaxRetries:     cfg.Tools.MaxRetries,
			MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		},
	})

	// Caller authentication.
	var callerAuth auth.Authenticator
	switch cfg.Auth.Type {
	case "apikey":
		keys := make([]auth.RawKey, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			keys = append(keys, auth.RawKey{Key: k.Key, Subject: k.Subject})
		}
		callerAuth = auth.NewAPIKeys(keys)
		slog.Info("caller authentication enabled", "keys", len(keys))
	default:
		callerAuth = auth.AllowAll()
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithModel(cfg.Upstream.Model),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithMiddleware(
			auth.Middleware(callerAuth, auth.DefaultBypassEndpoints),
			observability.MetricsMiddleware,
		),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transporthttp.WithRoute("GET "+cfg.Observability.Metrics.Path, promhttp.Handler()))
	}
	srv := transporthttp.NewServer(gw, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return snapshotLoop(ctx, pool)
	})
	return g.Wait()
}

// snapshotLoop periodically logs per-account usage under the "accounts"
// debug category. A no-op unless that category is enabled.
func snapshotLoop(ctx context.Context, pool *accounts.Pool) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, acc := range pool.List() {
				if _, usage, ok := pool.Snapshot(acc.Email); ok {
					debug.Log("accounts", "usage snapshot",
						"email", acc.Email,
						"active", acc.Active,
						"requests_today", usage.RequestsToday,
						"requests_this_minute", usage.RequestsThisMinute,
					)
				}
			}
		}
	}
}

// tierTable maps configured tier overrides onto the built-in tier table.
// Only the request quotas are configurable; token budgets and priorities
// keep their defaults.
func tierTable(overrides map[string]config.TierLimits) map[accounts.Tier]accounts.TierConfig {
	table := accounts.DefaultTierConfigs()
	for name, limits := range overrides {
		tc, ok := table[accounts.Tier(name)]
		if !ok {
			continue
		}
		if limits.RequestsPerMinute > 0 {
			tc.MaxRequestsPerMinute = limits.RequestsPerMinute
		}
		if limits.RequestsPerDay > 0 {
			tc.MaxRequestsPerDay = limits.RequestsPerDay
		}
		table[accounts.Tier(name)] = tc
	}
	return table
}
