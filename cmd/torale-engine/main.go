// Command torale-engine runs the Torale monitoring core: the scheduler,
// job orchestrator, and their supporting services. The HTTP API that
// fronts it is out of scope and lives in a separate service;
// this binary only needs a database connection and outbound network access
// to the agent and email provider.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/engine"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "torale-engine",
		Short: "Torale engine — task scheduling and notification core",
		Long: `torale-engine runs the scheduler, job orchestrator, notification
dispatcher, and state machine that together turn monitored tasks into
scheduled agent calls and delivered notifications.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), logLevel)
		},
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("TORALE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("torale-engine %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, logLevel string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("starting torale engine",
		zap.String("version", version),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("log_level", logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	logger.Info("torale engine started, awaiting scheduled and manual runs")
	<-ctx.Done()
	logger.Info("shutting down torale engine")

	if err := eng.Stop(); err != nil {
		logger.Warn("engine shutdown error", zap.Error(err))
	}

	logger.Info("torale engine stopped")
	return nil
}

// loadConfig reads every setting from the environment, applying the
// defaults written out below.
func loadConfig() (engine.Config, error) {
	cfg := engine.Config{
		DBDriver:      envOrDefault("TORALE_DB_DRIVER", "sqlite"),
		DBDSN:         envOrDefault("TORALE_DB_DSN", "./torale.db"),
		EncryptionKey: os.Getenv("TORALE_ENCRYPTION_KEY"),

		AgentURLFree: os.Getenv("AGENT_URL_FREE"),
		AgentURLPaid: os.Getenv("AGENT_URL_PAID"),

		EmailProviderURL: os.Getenv("EMAIL_PROVIDER_URL"),
		EmailProviderKey: os.Getenv("EMAIL_PROVIDER_KEY"),
	}

	if cfg.EncryptionKey == "" {
		return cfg, fmt.Errorf("TORALE_ENCRYPTION_KEY is required")
	}
	if cfg.AgentURLFree == "" {
		return cfg, fmt.Errorf("AGENT_URL_FREE is required")
	}

	var err error
	if cfg.AgentTimeout, err = envDuration("AGENT_TIMEOUT_SECONDS", 300*time.Second, time.Second); err != nil {
		return cfg, err
	}
	if cfg.AgentPollInterval, err = envDuration("AGENT_POLL_INTERVAL_SECONDS", time.Second, time.Second); err != nil {
		return cfg, err
	}
	if cfg.AgentMaxConsecutivePollFailures, err = envInt("AGENT_MAX_CONSECUTIVE_POLL_FAILURES", 3); err != nil {
		return cfg, err
	}

	if cfg.WebhookTimeout, err = envDuration("WEBHOOK_REQUEST_TIMEOUT_SECONDS", 10*time.Second, time.Second); err != nil {
		return cfg, err
	}
	if cfg.WebhookMaxAttempts, err = envInt("WEBHOOK_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	var retryBase time.Duration
	if retryBase, err = envDuration("WEBHOOK_RETRY_BASE_MINUTES", time.Minute, time.Minute); err != nil {
		return cfg, err
	}
	// Backoff doubles per attempt: base, 2*base, 4*base, ...
	for i := 0; i < cfg.WebhookMaxAttempts; i++ {
		cfg.WebhookBackoff = append(cfg.WebhookBackoff, retryBase<<i)
	}

	if cfg.SpamHourlyLimit, err = envInt("SPAM_HOURLY_LIMIT", 10); err != nil {
		return cfg, err
	}
	if cfg.SpamDailyLimit, err = envInt("SPAM_DAILY_LIMIT", 100); err != nil {
		return cfg, err
	}
	if cfg.VerificationCodeTTL, err = envDuration("EMAIL_CODE_TTL_MINUTES", 15*time.Minute, time.Minute); err != nil {
		return cfg, err
	}
	if cfg.VerificationMaxAttempts, err = envInt("EMAIL_CODE_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.VerificationHourlyLimit, err = envInt("EMAIL_CODE_HOURLY_LIMIT", 3); err != nil {
		return cfg, err
	}

	if cfg.StaleExecutionThreshold, err = envDuration("STALE_EXECUTION_MINUTES", 30*time.Minute, time.Minute); err != nil {
		return cfg, err
	}
	if cfg.StaleReapInterval, err = envDuration("STALE_REAP_INTERVAL_MINUTES", 15*time.Minute, time.Minute); err != nil {
		return cfg, err
	}
	if cfg.WebhookSweepInterval, err = envDuration("WEBHOOK_SWEEP_INTERVAL_MINUTES", 5*time.Minute, time.Minute); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func envDuration(key string, def time.Duration, unit time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(n) * unit, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
