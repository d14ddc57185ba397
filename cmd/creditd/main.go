package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/audit"
	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/workers"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagSigningKey         = "signing-key"
	flagIssuer             = "issuer"
	flagAllowedOrigins     = "allowed-origins"
	flagKafkaBrokers       = "kafka-brokers"
	flagKafkaTopic         = "kafka-topic"
	flagSweepInterval      = "sweep-interval"
	flagAllocationInterval = "allocation-interval"
	flagResolverInterval   = "resolver-interval"
	flagSyncInterval       = "sync-interval"
	flagPendingStaleness   = "pending-staleness"
	flagLockTimeout        = "lock-timeout"

	configKeyDatabaseURL        = "database_url"
	configKeyListenAddr         = "listen_addr"
	configKeySigningKey         = "signing_key"
	configKeyIssuer             = "issuer"
	configKeyAllowedOrigins     = "allowed_origins"
	configKeyKafkaBrokers       = "kafka_brokers"
	configKeyKafkaTopic         = "kafka_topic"
	configKeySweepInterval      = "sweep_interval"
	configKeyAllocationInterval = "allocation_interval"
	configKeyResolverInterval   = "resolver_interval"
	configKeySyncInterval       = "sync_interval"
	configKeyPendingStaleness   = "pending_staleness"
	configKeyLockTimeout        = "lock_timeout"

	defaultDatabaseURL = "sqlite:///tmp/credits.db"
	defaultListenAddr  = ":8080"
	defaultIssuer      = "credits"
	defaultKafkaTopic  = "credit-transactions"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	SigningKey         string
	Issuer             string
	AllowedOrigins     []string
	KafkaBrokers       []string
	KafkaTopic         string
	SweepInterval      time.Duration
	AllocationInterval time.Duration
	ResolverInterval   time.Duration
	SyncInterval       time.Duration
	PendingStaleness   time.Duration
	LockTimeout        time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and hold engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSigningKey, "", "HMAC signing key for session tokens")
	cmd.Flags().String(flagIssuer, defaultIssuer, "expected token issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagKafkaBrokers, "", "comma-delimited Kafka brokers for external sync (empty disables)")
	cmd.Flags().String(flagKafkaTopic, defaultKafkaTopic, "Kafka topic for external sync")
	cmd.Flags().Duration(flagSweepInterval, time.Minute, "hold expiration sweep interval")
	cmd.Flags().Duration(flagAllocationInterval, time.Hour, "allocation worker interval")
	cmd.Flags().Duration(flagResolverInterval, 5*time.Minute, "pending resolver interval")
	cmd.Flags().Duration(flagSyncInterval, 30*time.Second, "external sync interval")
	cmd.Flags().Duration(flagPendingStaleness, time.Hour, "pending record staleness threshold")
	cmd.Flags().Duration(flagLockTimeout, 5*time.Second, "account lock acquisition timeout")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyListenAddr:         flagListenAddr,
		configKeySigningKey:         flagSigningKey,
		configKeyIssuer:             flagIssuer,
		configKeyAllowedOrigins:     flagAllowedOrigins,
		configKeyKafkaBrokers:       flagKafkaBrokers,
		configKeyKafkaTopic:         flagKafkaTopic,
		configKeySweepInterval:      flagSweepInterval,
		configKeyAllocationInterval: flagAllocationInterval,
		configKeyResolverInterval:   flagResolverInterval,
		configKeySyncInterval:       flagSyncInterval,
		configKeyPendingStaleness:   flagPendingStaleness,
		configKeyLockTimeout:        flagLockTimeout,
	}
	for configKey, flagName := range bindings {
		if err := viper.BindEnv(configKey, strings.ToUpper(configKey)); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.Issuer = viper.GetString(configKeyIssuer)
	cfg.AllowedOrigins = splitList(viper.GetString(configKeyAllowedOrigins))
	cfg.KafkaBrokers = splitList(viper.GetString(configKeyKafkaBrokers))
	cfg.KafkaTopic = viper.GetString(configKeyKafkaTopic)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.AllocationInterval = viper.GetDuration(configKeyAllocationInterval)
	cfg.ResolverInterval = viper.GetDuration(configKeyResolverInterval)
	cfg.SyncInterval = viper.GetDuration(configKeySyncInterval)
	cfg.PendingStaleness = viper.GetDuration(configKeyPendingStaleness)
	cfg.LockTimeout = viper.GetDuration(configKeyLockTimeout)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.SigningKey == "" {
		return fmt.Errorf("signing key is required")
	}
	return nil
}

func run(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	emitter := audit.NewEmitter(logger)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, clock,
		credits.WithOperationLogger(emitter),
		credits.WithLockTimeout(cfg.LockTimeout),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	workerList := []workers.Worker{
		workers.NewHoldSweeper(service, logger, cfg.SweepInterval),
		workers.NewAllocator(service, store, logger, cfg.AllocationInterval),
		workers.NewPendingResolver(service, store, logger, cfg.ResolverInterval, cfg.PendingStaleness),
	}
	var publisher *workers.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = workers.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = publisher.Close() }()
		workerList = append(workerList, workers.NewExternalSyncer(store, publisher, logger, cfg.SyncInterval))
	} else {
		logger.Info("external sync disabled: no kafka brokers configured")
	}

	var waitGroup sync.WaitGroup
	for _, worker := range workerList {
		waitGroup.Add(1)
		go func(worker workers.Worker) {
			defer waitGroup.Done()
			logger.Info("worker starting", zap.String("worker", worker.Name()))
			_ = workers.Run(ctx, worker, logger)
		}(worker)
	}

	httpErr := httpapi.Run(ctx, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     cfg.SigningKey,
		Issuer:         cfg.Issuer,
	}, service, logger)

	waitGroup.Wait()
	return httpErr
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.AccountBalance{}, &gormstore.CreditTransaction{}, &gormstore.CreditHold{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
