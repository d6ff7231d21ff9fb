package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarcoBrian/OpenAudit/pkg/api"
	"github.com/MarcoBrian/OpenAudit/pkg/attestation"
	"github.com/MarcoBrian/OpenAudit/pkg/config"
	"github.com/MarcoBrian/OpenAudit/pkg/devnet"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/observability"
	"github.com/MarcoBrian/OpenAudit/pkg/retry"
	"github.com/MarcoBrian/OpenAudit/pkg/settlement"
	"github.com/MarcoBrian/OpenAudit/pkg/store"
)

const (
	idempotencyTTL  = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
)

type serveFlags struct {
	attestor   string
	relayFloat string
}

func runServe(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var f serveFlags
	fs.StringVar(&f.attestor, "attestor", "devnet", "attestation source: devnet or remote (ATTESTATION_URL)")
	fs.StringVar(&f.relayFloat, "relay-float", "1000000", "tokens minted to the devnet relay at boot")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if f.attestor != "devnet" && f.attestor != "remote" {
		fmt.Fprintf(stderr, "serve: unknown attestor %q\n", f.attestor)
		return 2
	}
	relayFloat, err := money.Parse(f.relayFloat)
	if err != nil {
		fmt.Fprintf(stderr, "serve: -relay-float: %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, f.attestor, relayFloat, logger); err != nil {
		logger.Error("serve failed", "error", err)
		return 1
	}
	return 0
}

// serve runs the settlement service until ctx is done.
func serve(ctx context.Context, cfg *config.Config, attestor string, relayFloat money.Amount, logger *slog.Logger) error {
	table, err := loadTable(cfg)
	if err != nil {
		return err
	}

	db, dialect, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	records := store.NewSettlementStore(db, dialect)
	if err := records.Init(ctx); err != nil {
		return fmt.Errorf("init settlement store: %w", err)
	}
	events := eventlog.NewSQLLog(db)
	if err := events.Init(ctx); err != nil {
		return fmt.Errorf("init event log: %w", err)
	}

	net, err := devnet.New(ctx, events, devnet.Options{MinReward: cfg.MinReward, Logger: logger})
	if err != nil {
		return err
	}
	if relayFloat > 0 {
		if err := net.Fund(ctx, devnet.Relay, relayFloat); err != nil {
			return fmt.Errorf("fund relay: %w", err)
		}
	}
	bridge := devnet.NewBridge(net)

	health := map[string]api.HealthCheck{"store": db.PingContext}
	var locker settlement.Locker = settlement.NewMemoryLocker()
	var idem api.IdempotencyStore = api.NewMemoryIdempotencyStore(idempotencyTTL)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = client.Close() }()
		locker = settlement.NewRedisLocker(client)
		idem = api.NewRedisIdempotencyStore(client, idempotencyTTL)
		health["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info("distributed settlement locks enabled", "redis_addr", cfg.RedisAddr)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = true
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.WithoutCancel(ctx)) }()

	var att settlement.Attestor = devnet.NewAttestor(bridge, table.Source().Domain)
	if attestor == "remote" {
		att = attestation.New(cfg.AttestationURL).WithLogger(logger.With("component", "attestation"))
		logger.Info("remote attestation", "url", cfg.AttestationURL)
	}

	orch, err := settlement.New(settlement.Config{
		Table:      table,
		Store:      records,
		Locker:     locker,
		Transferer: net.Transferer(),
		Bridge:     bridge,
		Attestor:   att,
		Resolver:   net.Resolver(),
		Attestation: retry.Poller{
			Policy:  retry.Fixed{Interval: cfg.AttestationInterval, MaxAttempts: cfg.AttestationMaxAttempts},
			Timeout: cfg.AttestationTimeout,
		},
		Observability: obs,
	})
	if err != nil {
		return err
	}
	orch = orch.WithLogger(logger.With("component", "settlement"))
	if _, err := orch.Recover(ctx); err != nil {
		return err
	}

	consumerDone := make(chan struct{})
	consumer := settlement.NewConsumer(events, orch).WithLogger(logger.With("component", "settlement-consumer"))
	go func() {
		defer close(consumerDone)
		_ = consumer.Run(ctx)
	}()

	srv, err := api.NewServer(orch, api.Options{
		Auth:        api.NewAuthenticator(cfg.AuthJWTSecret),
		RateLimiter: api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Idempotency: idem,
		Resolver:    net.Resolver(),
		Health:      health,
		Logger:      logger.With("component", "api"),
	})
	if err != nil {
		return err
	}
	handler := srv.Handler()

	servers := []*http.Server{{Addr: ":" + cfg.Port, Handler: handler, ReadHeaderTimeout: 10 * time.Second}}
	if cfg.HealthPort != "" && cfg.HealthPort != cfg.Port {
		mux := http.NewServeMux()
		mux.Handle("GET /health", handler)
		servers = append(servers, &http.Server{Addr: ":" + cfg.HealthPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}
	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("listening", "addr", s.Addr, "source", table.Source().ID, "lite_mode", cfg.LiteMode())
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "addr", s.Addr, "error", err)
		}
	}
	if runErr != nil {
		// The consumer only stops with ctx; it is abandoned on a listen failure.
		_ = orch.Close(shutdownCtx)
		return runErr
	}
	<-consumerDone
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn("settlement shutdown", "error", err)
	}
	return nil
}
