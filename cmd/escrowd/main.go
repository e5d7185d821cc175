package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"bountyescrow/config"
	"bountyescrow/core/events"
	"bountyescrow/core/state"
	"bountyescrow/core/types"
	"bountyescrow/native/escrow"
	"bountyescrow/native/ratelimit"
	"bountyescrow/observability/logging"
	"bountyescrow/rpc"
	"bountyescrow/storage"
)

// logEmitter forwards engine events into the structured log stream.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(evt events.Event) {
	typed, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		l.logger.Info("escrow event", "type", evt.EventType())
		return
	}
	payload := typed.Event()
	args := make([]any, 0, 2+2*len(payload.Attributes))
	args = append(args, "type", payload.Type)
	for key, value := range payload.Attributes {
		args = append(args, key, value)
	}
	l.logger.Info("escrow event", args...)
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "escrow"))
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "escrow.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildLimiter(cfg *config.Config, manager *state.Manager) (*ratelimit.Engine, error) {
	limiter := ratelimit.NewEngine(manager)
	limits := ratelimit.Config{
		WindowSeconds:   cfg.RateLimit.WindowSeconds,
		MaxOperations:   cfg.RateLimit.MaxOperations,
		CooldownSeconds: cfg.RateLimit.CooldownSeconds,
	}
	if err := limiter.SetConfig(limits); err != nil {
		return nil, err
	}
	for _, entry := range cfg.RateLimit.Whitelist {
		addr, err := config.ParseAddress(entry)
		if err != nil {
			return nil, err
		}
		if err := limiter.SetWhitelisted(addr, true); err != nil {
			return nil, err
		}
	}
	return limiter, nil
}

// bootstrap runs the one-time initialization when the config names an admin
// and the state has none yet.
func bootstrap(cfg *config.Config, engine *escrow.Engine, logger *slog.Logger) error {
	if cfg.AdminAddress == "" {
		return nil
	}
	admin, err := config.ParseAddress(cfg.AdminAddress)
	if err != nil {
		return err
	}
	err = engine.Initialize(admin, cfg.TokenSymbol)
	if errors.Is(err, escrow.ErrAlreadyInitialized) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("escrow module initialized", "admin", cfg.AdminAddress, "token", cfg.TokenSymbol)

	if cfg.Fees.Enabled {
		update := escrow.FeeConfigUpdate{
			LockFeeRateBps:    &cfg.Fees.LockFeeRateBps,
			ReleaseFeeRateBps: &cfg.Fees.ReleaseFeeRateBps,
			Enabled:           &cfg.Fees.Enabled,
		}
		if cfg.Fees.Recipient != "" {
			recipient, err := config.ParseAddress(cfg.Fees.Recipient)
			if err != nil {
				return err
			}
			update.Recipient = &recipient
		}
		if err := engine.UpdateFeeConfig(admin, update); err != nil {
			return err
		}
	}
	return nil
}

func run() error {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("escrowd", cfg.Environment)

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	manager := state.NewManager(db)
	limiter, err := buildLimiter(cfg, manager)
	if err != nil {
		return fmt.Errorf("configure rate limiter: %w", err)
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetRateLimiter(limiter)
	engine.SetEmitter(&logEmitter{logger: logger})

	if err := bootstrap(cfg, engine, logger); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	server := rpc.NewServer(engine, logger, rpc.ServerConfig{
		AuthToken:         cfg.HTTP.AuthToken,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
	})
	logger.Info("escrowd ready", "backend", cfg.Backend, "listen", cfg.ListenAddress)
	return server.Start(cfg.ListenAddress)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}
