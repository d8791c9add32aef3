package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/launchpad/collector/pkg/chain"
	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
	"github.com/malbeclabs/launchpad/collector/pkg/metrics"
	"github.com/malbeclabs/launchpad/collector/pkg/notify"
	"github.com/malbeclabs/launchpad/collector/pkg/pumpportal"
	"github.com/malbeclabs/launchpad/collector/pkg/scheduler"
	"github.com/malbeclabs/launchpad/collector/pkg/server"
	"github.com/malbeclabs/launchpad/collector/pkg/tokenstore"
	"github.com/malbeclabs/launchpad/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
	defaultHTTPAddr    = "0.0.0.0:3001"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	logJSONFlag := flag.Bool("log-json", false, "Emit JSON logs instead of console output")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty disables)")
	httpAddrFlag := flag.String("http-addr", defaultHTTPAddr, "Address to listen on for the operational HTTP API (or set HTTP_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for an in-flight run during shutdown")

	// Solana
	rpcURLFlag := flag.String("solana-rpc-url", "", "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	wsURLFlag := flag.String("solana-ws-url", "", "Solana websocket URL for confirmations (or set SOLANA_WS_URL env var)")
	heliusAPIKeyFlag := flag.String("helius-api-key", "", "Helius API key, used when no RPC URL is set (or set HELIUS_API_KEY env var)")
	rpcRPSFlag := flag.Float64("rpc-requests-per-second", 10, "Client-side RPC rate limit (0 disables)")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", chain.DefaultConfirmTimeout, "Maximum time to wait for a transaction confirmation")

	// Trading API
	pumpPortalURLFlag := flag.String("pump-portal-url", pumpportal.DefaultBaseURL, "PumpPortal base URL (or set PUMP_PORTAL_URL env var)")
	pumpPortalAPIKeyFlag := flag.String("pump-portal-api-key", "", "PumpPortal API key (or set PUMP_PORTAL_API_KEY env var)")

	// Token store
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL connection string (or set POSTGRES_DSN env var)")
	postgresMigrateFlag := flag.Bool("postgres-migrate", false, "Run token store migrations on startup (or set POSTGRES_RUN_MIGRATIONS=true)")
	keySecretFlag := flag.String("key-encryption-secret", "", "Secret that seals creator keys (or set KEY_ENCRYPTION_SECRET / JWT_SECRET env var)")

	// Distribution
	supportMintFlag := flag.String("support-token-mint", "", "Mint bought by the support leg (or set SUPPORT_TOKEN_MINT / PONK_TOKEN_CA env var)")
	supportRecipientFlag := flag.String("support-token-recipient", "", "Recipient of support-leg tokens (or set SUPPORT_TOKEN_RECIPIENT / PONK_DEV_WALLET env var)")
	maxHoldersFlag := flag.Int("max-holders", distribution.DefaultMaxHolders, "Number of top holders paid by the holders leg")
	excludeHoldersFlag := flag.StringSlice("exclude-holder", nil, "Holder owner excluded from holder payouts (repeatable)")
	excludeCreatorFlag := flag.Bool("exclude-creator-from-holders", false, "Never pay the creator through the holders leg")
	settleTimeoutFlag := flag.Duration("settle-timeout", distribution.DefaultSettleTimeout, "Maximum wait for the creator balance to reflect a fee collection")
	supportSettleTimeoutFlag := flag.Duration("support-settle-timeout", distribution.DefaultSupportSettleTimeout, "Maximum wait for purchased support tokens to arrive")
	dryRunFlag := flag.Bool("dry-run", false, "Collect fees but only plan distribution legs (or set DRY_RUN=true)")

	// Scheduling
	intervalFlag := flag.Duration("interval", time.Hour, "Automatic collection interval (or set FEE_COLLECTION_INTERVAL env var)")
	disableAutoFlag := flag.Bool("disable-auto-collection", false, "Only run on manual triggers (or set DISABLE_FEE_COLLECTION=true)")

	// Notifications
	slackTokenFlag := flag.String("slack-bot-token", "", "Slack bot token for run summaries (or set SLACK_BOT_TOKEN env var)")
	slackChannelFlag := flag.String("slack-channel-id", "", "Slack channel for run summaries (or set SLACK_CHANNEL_ID env var)")

	// Error reporting
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for error reporting (or set SENTRY_DSN env var)")
	sentryEnvFlag := flag.String("sentry-environment", "development", "Sentry environment (or set SENTRY_ENVIRONMENT env var)")

	corsOriginsFlag := flag.StringSlice("cors-allowed-origin", nil, "Origin allowed to call the HTTP API from a browser (repeatable)")

	flag.Parse()

	envString(httpAddrFlag, "HTTP_ADDR")
	envString(rpcURLFlag, "SOLANA_RPC_URL")
	envString(wsURLFlag, "SOLANA_WS_URL")
	envString(heliusAPIKeyFlag, "HELIUS_API_KEY")
	envString(pumpPortalURLFlag, "PUMP_PORTAL_URL")
	envString(pumpPortalAPIKeyFlag, "PUMP_PORTAL_API_KEY")
	envString(postgresDSNFlag, "POSTGRES_DSN")
	envString(keySecretFlag, "KEY_ENCRYPTION_SECRET", "JWT_SECRET")
	envString(supportMintFlag, "SUPPORT_TOKEN_MINT", "PONK_TOKEN_CA")
	envString(supportRecipientFlag, "SUPPORT_TOKEN_RECIPIENT", "PONK_DEV_WALLET")
	envString(slackTokenFlag, "SLACK_BOT_TOKEN")
	envString(slackChannelFlag, "SLACK_CHANNEL_ID")
	envString(sentryDSNFlag, "SENTRY_DSN")
	envString(sentryEnvFlag, "SENTRY_ENVIRONMENT")
	envBool(postgresMigrateFlag, "POSTGRES_RUN_MIGRATIONS")
	envBool(disableAutoFlag, "DISABLE_FEE_COLLECTION")
	envBool(dryRunFlag, "DRY_RUN")
	if v := os.Getenv("FEE_COLLECTION_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("invalid FEE_COLLECTION_INTERVAL: %w", err)
		}
		*intervalFlag = d
	}

	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, JSON: *logJSONFlag})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if *sentryDSNFlag != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              *sentryDSNFlag,
			Environment:      *sentryEnvFlag,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry error reporting enabled", "environment", *sentryEnvFlag)
	}

	if *postgresDSNFlag == "" {
		return errors.New("--postgres-dsn is required")
	}
	if *keySecretFlag == "" {
		return errors.New("--key-encryption-secret is required")
	}

	if *postgresMigrateFlag {
		if err := tokenstore.Migrate(ctx, log, *postgresDSNFlag); err != nil {
			return err
		}
	}
	store, err := tokenstore.Open(ctx, tokenstore.Config{Logger: log, DSN: *postgresDSNFlag})
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer store.Close()

	sealer, err := tokenstore.NewCipher(*keySecretFlag)
	if err != nil {
		return err
	}

	rpcURL := *rpcURLFlag
	if rpcURL == "" && *heliusAPIKeyFlag != "" {
		rpcURL = chain.HeliusRPCURL(*heliusAPIKeyFlag)
	}
	rpcClient := chain.NewRPC(chain.RPCConfig{Endpoint: rpcURL, RequestsPerSecond: *rpcRPSFlag})
	defer rpcClient.Close()

	var wsClient *ws.Client
	if *wsURLFlag != "" {
		wsClient, err = ws.Connect(ctx, *wsURLFlag)
		if err != nil {
			log.Warn("failed to connect solana websocket, falling back to status polling", "error", err)
			wsClient = nil
		} else {
			defer wsClient.Close()
		}
	}

	chainClient, err := chain.NewClient(chain.Config{
		Logger:         log,
		RPC:            rpcClient,
		WS:             wsClient,
		ConfirmTimeout: *confirmTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}

	trading, err := pumpportal.NewClient(pumpportal.Config{
		Logger:  log,
		BaseURL: *pumpPortalURLFlag,
		APIKey:  *pumpPortalAPIKeyFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create trading client: %w", err)
	}

	supportMint, err := optionalPublicKey(*supportMintFlag)
	if err != nil {
		return fmt.Errorf("invalid support token mint: %w", err)
	}
	supportRecipient, err := optionalPublicKey(*supportRecipientFlag)
	if err != nil {
		return fmt.Errorf("invalid support token recipient: %w", err)
	}
	var excluded []solana.PublicKey
	for _, s := range *excludeHoldersFlag {
		pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid excluded holder %q: %w", s, err)
		}
		excluded = append(excluded, pk)
	}

	clock := clockwork.NewRealClock()
	engine, err := distribution.New(distribution.Config{
		Logger:                    log,
		Clock:                     clock,
		Tokens:                    store,
		Keys:                      tokenstore.NewKeyProvider(store, sealer),
		Trading:                   trading,
		Chain:                     chainClient,
		MaxHolders:                *maxHoldersFlag,
		SettleTimeout:             *settleTimeoutFlag,
		SupportSettleTimeout:      *supportSettleTimeoutFlag,
		SupportMint:               supportMint,
		SupportRecipient:          supportRecipient,
		ExcludeHolders:            excluded,
		ExcludeCreatorFromHolders: *excludeCreatorFlag,
		DryRun:                    *dryRunFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create distribution engine: %w", err)
	}

	var notifier scheduler.Notifier = notify.Noop{}
	if *slackTokenFlag != "" && *slackChannelFlag != "" {
		notifier, err = notify.NewSlack(notify.SlackConfig{
			Logger:    log,
			BotToken:  *slackTokenFlag,
			ChannelID: *slackChannelFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create slack notifier: %w", err)
		}
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:   log,
		Clock:    clock,
		Runner:   engine,
		Notifier: notifier,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *httpAddrFlag,
		ShutdownTimeout: 10 * time.Second,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		Collector:       sched,
		AutoCollection:  !*disableAutoFlag,
		AllowedOrigins:  *corsOriginsFlag,
		BaseContext:     func() context.Context { return ctx },
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if *metricsAddrFlag != "" {
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := metricsSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if *disableAutoFlag {
		log.Info("automatic fee collection disabled; runs only on manual trigger")
	} else if err := sched.Start(gctx, *intervalFlag); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	log.Info("fee collector started",
		"version", version,
		"rpc", redactURL(rpcURL),
		"auto_collection", !*disableAutoFlag,
		"interval", intervalFlag.String(),
		"dry_run", *dryRunFlag,
		"support_token", !supportMint.IsZero(),
	)

	serveErr := g.Wait()

	sched.Stop()
	waitWithTimeout(log, sched, *shutdownTimeoutFlag)
	return serveErr
}

func waitWithTimeout(log *slog.Logger, sched *scheduler.Scheduler, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("scheduler drained")
	case <-time.After(timeout):
		log.Warn("timed out waiting for in-flight run", "timeout", timeout.String())
	}
}

// envString overrides *dst with the first non-empty variable in names.
func envString(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

func envBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// parseInterval accepts a Go duration or a bare number of hours.
func parseInterval(v string) (time.Duration, error) {
	if hours, err := strconv.ParseFloat(v, 64); err == nil {
		if hours <= 0 {
			return 0, errors.New("interval must be positive")
		}
		return time.Duration(hours * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("interval must be positive")
	}
	return d, nil
}

func optionalPublicKey(s string) (solana.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return solana.PublicKey{}, nil
	}
	return solana.PublicKeyFromBase58(s)
}

func redactURL(u string) string {
	if i := strings.Index(u, "api-key="); i >= 0 {
		return u[:i] + "api-key=REDACTED"
	}
	return u
}
