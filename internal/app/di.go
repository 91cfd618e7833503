// Package app provides the dependency injection container that assembles the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	complianceService "github.com/allisson/fieldvault/internal/compliance/service"
	complianceUsecase "github.com/allisson/fieldvault/internal/compliance/usecase"
	"github.com/allisson/fieldvault/internal/config"
	"github.com/allisson/fieldvault/internal/database"
	fieldcipherService "github.com/allisson/fieldvault/internal/fieldcipher/service"
	"github.com/allisson/fieldvault/internal/http"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
	keystoreRepository "github.com/allisson/fieldvault/internal/keystore/repository"
	keystoreService "github.com/allisson/fieldvault/internal/keystore/service"
	keystoreUsecase "github.com/allisson/fieldvault/internal/keystore/usecase"
	"github.com/allisson/fieldvault/internal/metrics"
	migrationRepository "github.com/allisson/fieldvault/internal/migration/repository"
	migrationUsecase "github.com/allisson/fieldvault/internal/migration/usecase"
	recordUsecase "github.com/allisson/fieldvault/internal/record/usecase"
	registryService "github.com/allisson/fieldvault/internal/registry/service"
)

// Container holds all application dependencies and provides methods to access them.
// Components are created on first access and shared afterwards.
type Container struct {
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	metricsProvider *metrics.Provider
	businessMetrics metrics.BusinessMetrics
	db              *sql.DB
	txManager       database.TxManager
	metricsServer   *http.MetricsServer

	// Engine
	aeadManager *keystoreService.AEADManagerService
	keyStore    keystoreUsecase.KeyStore
	registry    *registryService.Registry
	fieldCipher fieldcipherService.FieldCipher
	ledger      complianceUsecase.Ledger
	processor   recordUsecase.Processor
	recordRepo  migrationUsecase.RecordRepository
	engine      migrationUsecase.Engine

	mu                  sync.Mutex
	loggerInit          sync.Once
	metricsProviderInit sync.Once
	businessMetricsInit sync.Once
	dbInit              sync.Once
	txManagerInit       sync.Once
	metricsServerInit   sync.Once
	keyStoreInit        sync.Once
	registryInit        sync.Once
	fieldCipherInit     sync.Once
	ledgerInit          sync.Once
	processorInit       sync.Once
	recordRepoInit      sync.Once
	engineInit          sync.Once
	initErrors          sync.Map
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:      cfg,
		aeadManager: keystoreService.NewAEADManager(),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// initOnce runs fn once and replays its error on every later call.
func (c *Container) initOnce(name string, once *sync.Once, fn func() error) error {
	once.Do(func() {
		if err := fn(); err != nil {
			c.initErrors.Store(name, err)
		}
	})
	if err, ok := c.initErrors.Load(name); ok {
		return err.(error)
	}
	return nil
}

// Logger returns the JSON logger configured from LOG_LEVEL.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// MetricsProvider returns the metrics provider, or nil when metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	err := c.initOnce("metricsProvider", &c.metricsProviderInit, func() error {
		if !c.config.MetricsEnabled {
			return nil
		}
		provider, err := metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			return fmt.Errorf("failed to create metrics provider: %w", err)
		}
		c.metricsProvider = provider
		return nil
	})
	return c.metricsProvider, err
}

// BusinessMetrics returns the operation metrics, a no-op implementation when disabled.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	err := c.initOnce("businessMetrics", &c.businessMetricsInit, func() error {
		provider, err := c.MetricsProvider()
		if err != nil {
			return err
		}
		if provider == nil {
			c.businessMetrics = metrics.NewNoOpBusinessMetrics()
			return nil
		}
		bm, err := metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
		if err != nil {
			return fmt.Errorf("failed to create business metrics: %w", err)
		}
		c.businessMetrics = bm
		return nil
	})
	return c.businessMetrics, err
}

// Registry returns the field policy table, loaded from POLICY_FILE or the embedded default.
func (c *Container) Registry() (*registryService.Registry, error) {
	err := c.initOnce("registry", &c.registryInit, func() error {
		reg, err := registryService.LoadRegistry(c.config.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to load field registry: %w", err)
		}
		c.registry = reg
		return nil
	})
	return c.registry, err
}

// KeyStore returns the initialized key store. Every context named by the registry is
// provisioned along with the built-in ones.
func (c *Container) KeyStore(ctx context.Context) (keystoreUsecase.KeyStore, error) {
	err := c.initOnce("keyStore", &c.keyStoreInit, func() error {
		store, err := c.initKeyStore(ctx)
		if err != nil {
			return err
		}
		c.keyStore = store
		return nil
	})
	return c.keyStore, err
}

// FieldCipher returns the field cipher backed by the key store.
func (c *Container) FieldCipher(ctx context.Context) (fieldcipherService.FieldCipher, error) {
	err := c.initOnce("fieldCipher", &c.fieldCipherInit, func() error {
		store, err := c.KeyStore(ctx)
		if err != nil {
			return err
		}
		c.fieldCipher = fieldcipherService.NewFieldCipher(store, c.aeadManager)
		return nil
	})
	return c.fieldCipher, err
}

// Ledger returns the compliance ledger.
func (c *Container) Ledger(ctx context.Context) (complianceUsecase.Ledger, error) {
	err := c.initOnce("ledger", &c.ledgerInit, func() error {
		store, err := c.KeyStore(ctx)
		if err != nil {
			return err
		}
		contexts, err := c.requiredContexts()
		if err != nil {
			return err
		}
		c.ledger = complianceUsecase.NewLedger(store, complianceService.NewEventSigner(), complianceUsecase.Options{
			MaxEvents:        c.config.AuditMaxEvents,
			KeyMaxAge:        c.config.KeyRotationMaxAge,
			RequiredContexts: contexts,
		})
		return nil
	})
	return c.ledger, err
}

// Processor returns the record processor wrapped with metrics.
func (c *Container) Processor(ctx context.Context) (recordUsecase.Processor, error) {
	err := c.initOnce("processor", &c.processorInit, func() error {
		reg, err := c.Registry()
		if err != nil {
			return err
		}
		cipher, err := c.FieldCipher(ctx)
		if err != nil {
			return err
		}
		ledger, err := c.Ledger(ctx)
		if err != nil {
			return err
		}
		bm, err := c.BusinessMetrics()
		if err != nil {
			return err
		}
		c.processor = recordUsecase.NewProcessorWithMetrics(recordUsecase.NewProcessor(reg, cipher, ledger), bm)
		return nil
	})
	return c.processor, err
}

// DB returns the record database connection.
func (c *Container) DB(ctx context.Context) (*sql.DB, error) {
	err := c.initOnce("db", &c.dbInit, func() error {
		db, err := database.Connect(ctx, database.Config{
			Driver:             c.config.DBDriver,
			ConnectionString:   c.config.DBConnectionString,
			MaxOpenConnections: c.config.DBMaxOpenConnections,
			MaxIdleConnections: c.config.DBMaxIdleConnections,
			ConnMaxLifetime:    c.config.DBConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
		return nil
	})
	return c.db, err
}

// TxManager returns the transaction manager of the record database.
func (c *Container) TxManager(ctx context.Context) (database.TxManager, error) {
	err := c.initOnce("txManager", &c.txManagerInit, func() error {
		db, err := c.DB(ctx)
		if err != nil {
			return fmt.Errorf("failed to get database for tx manager: %w", err)
		}
		c.txManager = database.NewTxManager(db)
		return nil
	})
	return c.txManager, err
}

// RecordRepository returns the record repository matching DB_DRIVER.
func (c *Container) RecordRepository(ctx context.Context) (migrationUsecase.RecordRepository, error) {
	err := c.initOnce("recordRepo", &c.recordRepoInit, func() error {
		db, err := c.DB(ctx)
		if err != nil {
			return fmt.Errorf("failed to get database for record repository: %w", err)
		}
		switch c.config.DBDriver {
		case "mysql":
			c.recordRepo = migrationRepository.NewMySQLRecordRepository(db)
		case "postgres":
			c.recordRepo = migrationRepository.NewPostgreSQLRecordRepository(db)
		default:
			return fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
		}
		return nil
	})
	return c.recordRepo, err
}

// MigrationEngine returns the migration engine wrapped with metrics.
func (c *Container) MigrationEngine(ctx context.Context) (migrationUsecase.Engine, error) {
	err := c.initOnce("engine", &c.engineInit, func() error {
		repo, err := c.RecordRepository(ctx)
		if err != nil {
			return err
		}
		txManager, err := c.TxManager(ctx)
		if err != nil {
			return err
		}
		reg, err := c.Registry()
		if err != nil {
			return err
		}
		cipher, err := c.FieldCipher(ctx)
		if err != nil {
			return err
		}
		bm, err := c.BusinessMetrics()
		if err != nil {
			return err
		}
		engine := migrationUsecase.NewEngine(repo, txManager, reg, cipher, c.Logger(), migrationUsecase.Options{
			PagesPerSecond: c.config.MigrationPagesPerSecond,
		})
		c.engine = migrationUsecase.NewEngineWithMetrics(engine, bm)
		return nil
	})
	return c.engine, err
}

// MetricsServer returns the operational HTTP server. Readiness reflects the key store.
func (c *Container) MetricsServer(ctx context.Context) (*http.MetricsServer, error) {
	err := c.initOnce("metricsServer", &c.metricsServerInit, func() error {
		provider, err := c.MetricsProvider()
		if err != nil {
			return err
		}
		store, err := c.KeyStore(ctx)
		if err != nil {
			return err
		}
		ready := func(context.Context) error {
			_, err := store.GetKeyInfo()
			return err
		}
		c.metricsServer = http.NewMetricsServer(
			c.config.MetricsHost,
			c.config.MetricsPort,
			c.Logger(),
			provider,
			ready,
		)
		return nil
	})
	return c.metricsServer, err
}

// Shutdown releases every initialized resource. Key material is zeroed last.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	if c.keyStore != nil {
		c.keyStore.Close()
	}

	return errors.Join(shutdownErrors...)
}

func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

func (c *Container) initKeyStore(ctx context.Context) (keystoreUsecase.KeyStore, error) {
	alg, err := keystoreService.ParseAlgorithm(c.config.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	contexts, err := c.requiredContexts()
	if err != nil {
		return nil, err
	}

	var rootSecret []byte
	if c.config.RootSecret != "" {
		rootSecret = []byte(c.config.RootSecret)
	}

	store := keystoreUsecase.NewKeyStore(
		keystoreRepository.NewFileRepository(c.config.KeyStoreDir),
		keystoreService.NewKeyWrapper(c.aeadManager),
		keystoreService.NewArgon2Deriver(keystoreService.DefaultArgon2Params),
		keystoreUsecase.Options{
			Algorithm:      alg,
			RootSecret:     rootSecret,
			RetiredHistory: c.config.KeyRetiredHistory,
			Contexts:       contexts,
		},
		c.Logger(),
	)
	if err := store.Initialize(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// requiredContexts is the union of the built-in contexts and those named by the registry.
func (c *Container) requiredContexts() ([]string, error) {
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var contexts []string
	for _, name := range append(keystoreDomain.KnownContexts(), reg.Contexts()...) {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		contexts = append(contexts, name)
	}
	sort.Strings(contexts)
	return contexts, nil
}
