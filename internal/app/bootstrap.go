package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"trade_guard/internal/domain"
	"trade_guard/internal/engine"
	"trade_guard/internal/exchange"
	"trade_guard/internal/infra"
	"trade_guard/internal/notify"
	"trade_guard/internal/server"
	"trade_guard/internal/storage"
)

// Bootstrap orchestrates the application startup sequence.
type Bootstrap struct {
	Config *infra.Config
	Store  domain.Store
	Engine *engine.Engine
	Server *server.Server
	Feed   *exchange.PriceFeed

	closers []func()
}

// NewBootstrap creates a new Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, DB, exchange, engine).
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping Trade Guard...")

	// 1. Load Config (Dynamic Path Resolution)
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Open the store
	store, err := b.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("✅ Store initialized", slog.String("driver", cfg.Storage.Driver))

	// 4. Exchange client and price feed
	rest := exchange.NewRESTClient(cfg)

	var src engine.PriceSource
	if cfg.Exchange.WSURL != "" {
		symbols, err := b.openSymbols(ctx, store)
		if err != nil {
			return err
		}
		b.Feed = exchange.NewPriceFeed(cfg.Exchange.WSURL, symbols)
		src = b.Feed
		slog.Info("✅ Price feed configured", slog.Int("symbols", len(symbols)))
	}

	// 5. Notifier
	notifier := notify.NewWebhook(cfg.Notify.WebhookURL)

	// 6. Engine (restores breaker state from the store)
	eng := engine.New(cfg, store, rest, notifier, src)
	if err := eng.Init(ctx); err != nil {
		return err
	}
	b.Engine = eng
	if eng.Enabled() {
		slog.Info("✅ Engine armed")
	} else {
		slog.Warn("⛔ Engine disabled: circuit breaker engaged from a previous run")
	}

	// 7. HTTP server
	b.Server = server.New(eng, store)

	return nil
}

// openStore opens the configured storage backend. SQLite additionally takes
// an instance lock on its data directory so two engines never share a book.
func (b *Bootstrap) openStore(ctx context.Context, cfg *infra.Config) (domain.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		dir := filepath.Dir(cfg.Storage.Path)
		if err := infra.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		unlock, err := infra.CreateLockFile(dir)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, unlock)

		st, err := storage.NewSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { st.Close() })
		return st, nil

	case "postgres":
		st, err := storage.NewPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { st.Close() })
		return st, nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}

// openSymbols seeds the feed subscription with symbols that already have open
// positions; the engine tracks new ones as they open.
func (b *Bootstrap) openSymbols(ctx context.Context, store domain.Store) ([]string, error) {
	open, err := store.OpenPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, p := range open {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	return symbols, nil
}

// Close releases everything Initialize acquired, in reverse order.
func (b *Bootstrap) Close() {
	if b.Feed != nil {
		b.Feed.Stop()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
