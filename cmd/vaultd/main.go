package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leafsii/leafsii-vault/internal/access"
	"github.com/leafsii/leafsii-vault/internal/api"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/config"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/jobs"
	"github.com/leafsii/leafsii-vault/internal/log"
	"github.com/leafsii/leafsii-vault/internal/metrics"
	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/leafsii/leafsii-vault/internal/prices/mock"
	"github.com/leafsii/leafsii-vault/internal/prices/rest"
	"github.com/leafsii/leafsii-vault/internal/repository"
	"github.com/leafsii/leafsii-vault/internal/routing"
	"github.com/leafsii/leafsii-vault/internal/shares"
	"github.com/leafsii/leafsii-vault/internal/store"
	"github.com/leafsii/leafsii-vault/internal/vault"
	"github.com/leafsii/leafsii-vault/internal/ws"
	"github.com/leafsii/leafsii-vault/pkg/kv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/leafsii/leafsii-vault/pkg/kv/memory"
	_ "github.com/leafsii/leafsii-vault/pkg/kv/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("Vault server failed", "error", err)
	}
	logger.Infow("Server stopped")
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	domain, err := cfg.Domain()
	if err != nil {
		return err
	}
	sink, err := cfg.Sink()
	if err != nil {
		return err
	}

	logger.Infow("Starting vault server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"vault", domain.VerifyingContract,
		"chainId", domain.ChainID,
		"sink", sink,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("leafsii-vault", vault.Code)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}

	// Durable projection of vault state
	kvStore, err := kv.NewStoreFromConfig(kv.Config{
		Backend:  kv.Backend(cfg.Store.KVBackend),
		RedisURL: cfg.Store.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.KVBackend, err)
	}
	defer kvStore.Close()
	projection := store.NewProjection(kvStore, logger, metricsObj)

	conv, err := calc.NewConverter(cfg.Vault.AssetDecimals, cfg.Vault.ShareDecimals)
	if err != nil {
		return err
	}

	roles, err := buildRoles(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	source, poller, err := buildPriceSource(cfg, logger)
	if err != nil {
		return err
	}
	if poller != nil {
		g.Go(func() error {
			if err := poller.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// Event fan-out
	bus := events.NewBus(logger)
	bus.Subscribe("log", events.LogSink(logger.Named("events")))

	hub := ws.NewHub(cfg.Security.CORSAllowedOrigins, logger, metricsObj)
	bus.Subscribe("ws", hub)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	readiness := map[string]api.Pinger{"kv": kvStore}
	var audit api.AuditLog
	if cfg.Database.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		defer db.Close()

		repo := repository.NewRepository(db, logger)
		bus.Subscribe("audit", repo)
		readiness["postgres"] = repo
		audit = repo
	} else {
		logger.Warnw("VLT_POSTGRES_DSN not set; audit log disabled")
	}

	value := routing.NewLedger(domain.VerifyingContract, sink)
	shareLedger := shares.NewLedger()
	gates, depositCap, err := buildGates(cfg)
	if err != nil {
		return err
	}

	v, err := vault.New(vault.Config{
		Domain:       domain,
		Sink:         sink,
		DepositTTL:   cfg.Vault.DepositTTL,
		MaxOracleAge: cfg.Prices.MaxAge,
	}, vault.Deps{
		Converter: conv,
		Shares:    shareLedger,
		Router:    value,
		Prices:    source,
		Auth:      roles,
		Gates:     gates,
		Mirror:    projection,
		Events:    bus,
		Observer:  metricsObj,
	}, logger)
	if err != nil {
		return err
	}

	if err := restore(ctx, v, projection, depositCap); err != nil {
		return err
	}

	handler := api.NewHandler(api.Deps{
		Vault:     v,
		Value:     value,
		Shares:    shareLedger,
		Prices:    source,
		Audit:     audit,
		Stream:    http.HandlerFunc(hub.HandleWebSocket),
		Readiness: readiness,
		Dev:       cfg.IsDev(),
	}, logger)

	apiKeys, err := cfg.APIKeys()
	if err != nil {
		return err
	}
	if len(apiKeys) == 0 {
		logger.Warnw("VLT_API_KEYS is empty; every /v1 request will be rejected")
	}

	router := handler.Routes(api.NewMiddleware(logger, metricsObj), api.RouteConfig{
		APIKeys:      apiKeys,
		CORSOrigins:  cfg.Security.CORSAllowedOrigins,
		RateLimitRPM: cfg.Security.RateLimitRPM,
		Metrics:      metricsHandler,
	})

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Infow("API server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("Shutting down")

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			return server.Close()
		}
		return nil
	})

	return g.Wait()
}

func buildRoles(cfg *config.Config) (*access.Table, error) {
	operators, err := cfg.Operators()
	if err != nil {
		return nil, err
	}
	strategists, err := cfg.Strategists()
	if err != nil {
		return nil, err
	}

	roles := access.NewTable()
	roles.Grant(access.RoleOperator, operators...)
	roles.Grant(access.RoleStrategist, strategists...)
	return roles, nil
}

// buildGates installs the configured checks at height zero. The deposit cap is
// returned so its usage can be seeded from restored state.
func buildGates(cfg *config.Config) (*gate.Pipeline, *gate.DepositCap, error) {
	gates := gate.NewPipeline()

	blocked, err := cfg.Blocked()
	if err != nil {
		return nil, nil, err
	}
	if len(blocked) > 0 {
		blocklist := gate.NewBlocklist(blocked...)
		for _, kind := range []gate.Kind{gate.KindDeposit, gate.KindWithdraw, gate.KindTransfer} {
			if err := gates.Register(kind, blocklist, 0); err != nil {
				return nil, nil, err
			}
		}
	}

	maxDeposit, err := cfg.MaxDeposit()
	if err != nil {
		return nil, nil, err
	}
	if maxDeposit != nil {
		if err := gates.Register(gate.KindDeposit, gate.NewAmountLimit(maxDeposit), 0); err != nil {
			return nil, nil, err
		}
	}

	limit, err := cfg.DepositCap()
	if err != nil {
		return nil, nil, err
	}
	var depositCap *gate.DepositCap
	if limit != nil {
		depositCap = gate.NewDepositCap(limit)
		if err := gates.Register(gate.KindDeposit, depositCap, 0); err != nil {
			return nil, nil, err
		}
	}
	return gates, depositCap, nil
}

func buildPriceSource(cfg *config.Config, logger *zap.SugaredLogger) (prices.Source, *jobs.PricePoller, error) {
	static, err := cfg.StaticPrice()
	if err != nil {
		return nil, nil, err
	}

	var slow prices.Source
	switch cfg.Prices.Provider {
	case "static":
		return prices.NewStatic(static), nil, nil
	case "mock":
		base, _ := static.Float64()
		slow = mock.NewGenerator(logger, base, cfg.Prices.MockVolatility, time.Now().UnixNano())
	case "http":
		slow = rest.NewSource(cfg.Prices.URL, logger)
	default:
		return nil, nil, fmt.Errorf("unknown price provider %q", cfg.Prices.Provider)
	}

	pollerCfg := jobs.DefaultPricePollerConfig()
	if cfg.Prices.PollInterval > 0 {
		pollerCfg.Interval = cfg.Prices.PollInterval
	}
	poller := jobs.NewPricePoller(slow, logger, pollerCfg)
	return poller, poller, nil
}

func restore(ctx context.Context, v *vault.Vault, projection *store.Projection, depositCap *gate.DepositCap) error {
	snap, err := projection.Load(ctx)
	if err != nil {
		return fmt.Errorf("load projection: %w", err)
	}
	if err := v.Restore(ctx, snap); err != nil {
		return err
	}
	if depositCap == nil {
		return nil
	}

	used, err := v.CumulativeDeposits(ctx)
	if err != nil {
		return err
	}
	depositCap.SetUsed(used)
	return nil
}
