package settlerd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stakearena/chain"
	"stakearena/core/deposit"
	"stakearena/core/events"
	"stakearena/core/lobby"
	"stakearena/gateway/middleware"
	"stakearena/gateway/routes"
	"stakearena/gateway/ws"
	"stakearena/integrations/webhooks"
	"stakearena/observability"
	"stakearena/observability/logging"
	"stakearena/observability/metrics"
	telemetry "stakearena/observability/otel"
	"stakearena/storage"
	"stakearena/storage/archive"
)

// PassphraseFunc builds the keystore passphrase resolver for the named env var.
type PassphraseFunc func(envVar string) func() (string, error)

// MainOption customises Main.
type MainOption func(*mainOptions)

type mainOptions struct {
	passphrase PassphraseFunc
}

// WithPassphrasePrompt replaces the env-only keystore passphrase lookup, typically
// with one that falls back to an interactive prompt.
func WithPassphrasePrompt(fn PassphraseFunc) MainOption {
	return func(o *mainOptions) {
		if fn != nil {
			o.passphrase = fn
		}
	}
}

// Main initialises and runs the settlement daemon.
func Main(opts ...MainOption) error {
	options := mainOptions{passphrase: envPassphrase}
	for _, opt := range opts {
		opt(&options)
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlerd/config.yaml", "path to settlerd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := logging.Options{Level: logging.ParseLevel(cfg.Log.Level)}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger, logCloser := logging.Setup("settlerd", cfg.Environment, logOpts)
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(stopCtx, 10*time.Second)
	client, err := chain.Dial(dialCtx, cfg.Chain.RPC)
	cancel()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()
	logger.Info("connected to chain", logging.MaskURL("rpc", cfg.Chain.RPC), slog.Int64("chain_id", cfg.Chain.ChainID))

	key, err := chain.LoadKey(chain.KeySource{
		Hex:        cfg.Chain.SignerKey,
		Env:        cfg.Chain.SignerKeyEnv,
		File:       cfg.Chain.SignerKeyFile,
		Keystore:   cfg.Chain.Keystore,
		Passphrase: options.passphrase(cfg.Chain.KeystorePassphraseEnv),
	})
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}
	escrowOpts := []chain.EscrowOption{
		chain.WithSigner(key, big.NewInt(cfg.Chain.ChainID)),
		chain.WithConfirmations(cfg.Chain.Confirmations, cfg.Chain.PollInterval.Duration),
	}
	if cfg.Chain.GasLimit > 0 {
		escrowOpts = append(escrowOpts, chain.WithGasLimit(cfg.Chain.GasLimit))
	}
	escrow, err := chain.NewEscrow(client, common.HexToAddress(cfg.Chain.EscrowAddress), escrowOpts...)
	if err != nil {
		return fmt.Errorf("init escrow: %w", err)
	}
	logger.Info("escrow ready", slog.String("address", escrow.Address().Hex()), slog.String("operator", escrow.Sender().Hex()))

	verifier := deposit.NewVerifier(escrow,
		deposit.WithHorizon(cfg.Deposits.Horizon.Duration),
		deposit.WithFromBlock(cfg.Deposits.StartBlock),
		deposit.WithConfirmations(cfg.Chain.Confirmations),
		deposit.WithLogger(logger),
		deposit.WithMetrics(metrics.Deposits()),
	)

	hub := ws.NewHub(0)
	emitter := events.Fanout{hub, observability.Lobbies()}
	if cfg.Webhook.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret),
			webhooks.WithEventTypes(cfg.Webhook.Events...),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0),
			webhooks.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("init webhook: %w", err)
		}
		defer dispatcher.Close()
		emitter = append(emitter, dispatcher)
		logger.Info("webhook enabled", logging.MaskURL("url", cfg.Webhook.URL))
	}
	manager, err := lobby.NewManager(lobby.Config{
		RoundDuration:  cfg.Lobby.RoundDuration.Duration,
		GracePeriod:    cfg.Lobby.GracePeriod.Duration,
		CashOutGrace:   cfg.Lobby.CashOutGrace.Duration,
		ReconnectGrace: cfg.Lobby.ReconnectGrace.Duration,
		Stake:          cfg.Lobby.Stake,
		PendingPolicy:  cfg.Settlement.PendingPolicy(),
	}, lobby.WithEmitter(emitter), lobby.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init lobbies: %w", err)
	}

	store, err := openArchive(cfg.Archive, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	delivery, err := NewDelivery(cfg.Settlement.Strategy, escrow)
	if err != nil {
		return err
	}
	settleMetrics := NewMetrics()
	submitter, err := NewSubmitter(delivery,
		WithMetrics(settleMetrics),
		WithMaxAttempts(cfg.Settlement.MaxAttempts),
		WithBackoffUnit(cfg.Settlement.BackoffUnit.Duration),
		WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if cfg.Settlement.PauseOnStart {
		submitter.Pause()
	}
	finalizer, err := NewFinalizer(FinalizerConfig{
		Manager:   manager,
		Submitter: submitter,
		Store:     store,
		FeeBps:    cfg.Settlement.FeeBps,
		Emitter:   emitter,
		Metrics:   settleMetrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	scheduler := NewScheduler(SchedulerConfig{
		FinalizeInterval: cfg.Settlement.FinalizeInterval.Duration,
		GraceInterval:    cfg.Settlement.GraceInterval.Duration,
		EvictInterval:    cfg.Settlement.EvictInterval.Duration,
		Retention:        cfg.Settlement.Retention.Duration,
		SettleTimeout:    cfg.Settlement.SettleTimeout.Duration,
	}, manager, finalizer, submitter, logger)
	engine, err := NewEngine(manager, verifier, logger)
	if err != nil {
		return err
	}

	gatewayServer, err := newGatewayServer(cfg, logger, manager, store, engine, hub)
	if err != nil {
		return err
	}
	adminServer, err := newAdminHTTPServer(cfg.Admin, NewAdminServer(submitter, finalizer, manager))
	if err != nil {
		return err
	}

	go verifier.Run(stopCtx, cfg.Deposits.SweepInterval.Duration)
	if cfg.Deposits.Watch {
		db, err := openCheckpoints(cfg.Deposits.CheckpointPath)
		if err != nil {
			return err
		}
		defer db.Close()
		watcher := deposit.NewWatcher(escrow, verifier, db, deposit.WatcherConfig{
			StartBlock:    cfg.Deposits.StartBlock,
			Confirmations: cfg.Chain.Confirmations,
			BatchSize:     cfg.Deposits.BatchSize,
			PollInterval:  cfg.Deposits.PollInterval.Duration,
		}, logger)
		go watcher.Run(stopCtx)
	}
	go scheduler.Run(stopCtx)

	errs := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", slog.String("addr", gatewayServer.Addr))
		errs <- gatewayServer.ListenAndServe()
	}()
	go func() {
		logger.Info("admin listening", slog.String("addr", adminServer.Addr), slog.Bool("tls", adminServer.TLSConfig != nil))
		if adminServer.TLSConfig != nil {
			errs <- adminServer.ListenAndServeTLS(cfg.Admin.TLS.CertPath, cfg.Admin.TLS.KeyPath)
			return
		}
		errs <- adminServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}
	stop()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{gatewayServer, adminServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
	}
	return runErr
}

func telemetryConfig(cfg Config) telemetry.Config {
	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	headers := cfg.Telemetry.Headers
	if headers == "" {
		headers = os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	}
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Config{
		ServiceName: "settlerd",
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(headers),
		Traces:      cfg.Telemetry.Traces && endpoint != "",
		Metrics:     cfg.Telemetry.Metrics && endpoint != "",
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
}

func envPassphrase(name string) func() (string, error) {
	return func() (string, error) {
		if name == "" {
			return "", fmt.Errorf("keystore_passphrase_env not configured")
		}
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("keystore passphrase env %s not set", name)
		}
		return value, nil
	}
}

func openArchive(cfg ArchiveConfig, logger *slog.Logger) (archive.Store, error) {
	switch cfg.Driver {
	case "sql":
		store, err := archive.OpenSQL(cfg.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("archive opened", slog.String("driver", "sql"), logging.MaskURL("dsn", cfg.DSN))
		return store, nil
	default:
		store, err := archive.OpenBolt(cfg.Path, nil)
		if err != nil {
			return nil, err
		}
		logger.Info("archive opened", slog.String("driver", "bolt"), slog.String("path", cfg.Path))
		return store, nil
	}
}

func openCheckpoints(path string) (storage.Database, error) {
	if strings.TrimSpace(path) == "" {
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open deposit checkpoints: %w", err)
	}
	return db, nil
}

func newGatewayServer(cfg Config, logger *slog.Logger, manager *lobby.Manager, store archive.Store, engine *Engine, hub *ws.Hub) (*http.Server, error) {
	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Gateway.JWTSecret,
		Issuer:     cfg.Gateway.JWTIssuer,
		QueryParam: "access_token",
	}, logger)
	if err != nil {
		return nil, err
	}
	limit := middleware.RateLimit{RequestsPerMinute: cfg.Gateway.RequestsPerMinute, Burst: cfg.Gateway.Burst}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		routes.RateLimitRead:   limit,
		routes.RateLimitEvents: limit,
	}, logger)
	handler := routes.New(routes.Config{
		Lobbies:       manager,
		Archive:       store,
		Events:        ws.NewHandler(engine, hub, logger, cfg.Gateway.AllowedOrigins),
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "settlerd-gateway"}, logger),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.Gateway.AllowedOrigins},
	})
	return &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}

func newAdminHTTPServer(cfg AdminConfig, admin *AdminServer) (*http.Server, error) {
	authenticator, err := NewAuthenticator(AuthConfig{BearerToken: cfg.BearerToken, AllowMTLS: cfg.MTLS.Enabled})
	if err != nil {
		return nil, fmt.Errorf("init admin auth: %w", err)
	}
	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      authenticator.Middleware(admin),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLS.Disable {
		return srv, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.MTLS.Enabled {
		pem, err := os.ReadFile(cfg.MTLS.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read admin client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("admin client CA %s contains no certificates", cfg.MTLS.ClientCAPath)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	srv.TLSConfig = tlsConfig
	return srv, nil
}
