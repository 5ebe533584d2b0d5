// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/redis/rueidis"

	"github.com/allisson/relay/internal/broker"
	"github.com/allisson/relay/internal/command"
	"github.com/allisson/relay/internal/config"
	consumerUseCase "github.com/allisson/relay/internal/consumer/usecase"
	"github.com/allisson/relay/internal/database"
	gatewayHTTP "github.com/allisson/relay/internal/gateway/http"
	gatewayUseCase "github.com/allisson/relay/internal/gateway/usecase"
	"github.com/allisson/relay/internal/http"
	idempotencyUseCase "github.com/allisson/relay/internal/idempotency/usecase"
	lifecycleUseCase "github.com/allisson/relay/internal/lifecycle/usecase"
	"github.com/allisson/relay/internal/metrics"
	outboxUseCase "github.com/allisson/relay/internal/outbox/usecase"
)

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger       *slog.Logger
	db           *sql.DB
	brokerClient rueidis.Client
	redisStreams *broker.RedisStreams

	// Managers
	txManager database.TxManager

	// Metrics
	metricsProvider *metrics.Provider
	pipelineMetrics metrics.PipelineMetrics
	businessMetrics metrics.BusinessMetrics

	// Repositories
	idempotencyRepo idempotencyRepository
	outboxRepo      outboxRepository
	lifecycleRepo   lifecycleUseCase.LifecycleRepository

	// Use Cases and Workers
	lifecycleTracker lifecycleUseCase.Tracker
	gatewayUseCase   gatewayUseCase.GatewayUseCase
	dispatcher       *outboxUseCase.Dispatcher
	requeueUseCase   *outboxUseCase.RequeueUseCase
	retryWorker      *idempotencyUseCase.RetryWorker
	consumer         *consumerUseCase.Consumer
	registry         *command.Registry

	// Publishers
	publisher           *broker.StreamPublisher
	deadLetterPublisher *broker.StreamPublisher

	// Handlers and Servers
	commandHandler *gatewayHTTP.CommandHandler
	httpServer     *http.Server
	metricsServer  *http.MetricsServer

	// Initialization flags and mutex for thread-safety
	mu                      sync.Mutex
	loggerInit              sync.Once
	dbInit                  sync.Once
	brokerClientInit        sync.Once
	redisStreamsInit        sync.Once
	txManagerInit           sync.Once
	metricsProviderInit     sync.Once
	pipelineMetricsInit     sync.Once
	businessMetricsInit     sync.Once
	idempotencyRepoInit     sync.Once
	outboxRepoInit          sync.Once
	lifecycleRepoInit       sync.Once
	lifecycleTrackerInit    sync.Once
	gatewayUseCaseInit      sync.Once
	dispatcherInit          sync.Once
	requeueUseCaseInit      sync.Once
	retryWorkerInit         sync.Once
	consumerInit            sync.Once
	registryInit            sync.Once
	publisherInit           sync.Once
	deadLetterPublisherInit sync.Once
	commandHandlerInit      sync.Once
	httpServerInit          sync.Once
	metricsServerInit       sync.Once
	initErrors              map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
// It creates and configures the database connection on first access.
func (c *Container) DB() (*sql.DB, error) {
	var err error
	c.dbInit.Do(func() {
		c.db, err = c.initDB()
		if err != nil {
			c.initErrors["db"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["db"]; exists {
		return nil, storedErr
	}
	return c.db, nil
}

// TxManager returns the transaction manager.
// It requires a database connection to be initialized first.
func (c *Container) TxManager() (database.TxManager, error) {
	var err error
	c.txManagerInit.Do(func() {
		c.txManager, err = c.initTxManager()
		if err != nil {
			c.initErrors["txManager"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["txManager"]; exists {
		return nil, storedErr
	}
	return c.txManager, nil
}

// BrokerClient returns the Redis client backing the message broker.
func (c *Container) BrokerClient() (rueidis.Client, error) {
	var err error
	c.brokerClientInit.Do(func() {
		c.brokerClient, err = c.initBrokerClient()
		if err != nil {
			c.initErrors["brokerClient"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["brokerClient"]; exists {
		return nil, storedErr
	}
	return c.brokerClient, nil
}

// RedisStreams returns the Redis streams adapter.
func (c *Container) RedisStreams() (*broker.RedisStreams, error) {
	var err error
	c.redisStreamsInit.Do(func() {
		c.redisStreams, err = c.initRedisStreams()
		if err != nil {
			c.initErrors["redisStreams"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["redisStreams"]; exists {
		return nil, storedErr
	}
	return c.redisStreams, nil
}

// Registry returns the command handler registry, closed over the command
// types named in configuration. Handlers are registered by the embedding
// binary before the retry worker starts.
func (c *Container) Registry() *command.Registry {
	c.registryInit.Do(func() {
		c.registry = command.NewRegistry(c.config.CommandTypes...)
	})
	return c.registry
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	// Shutdown HTTP server if initialized
	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	// Shutdown metrics server if initialized
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	// Close broker client if initialized
	if c.brokerClient != nil {
		c.brokerClient.Close()
	}

	// Close database connection if initialized
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	// Shutdown metrics provider if initialized
	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	// Return combined errors if any occurred
	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}

	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: c.config.GetSlogLevel(),
	})

	return slog.New(handler)
}

// initDB creates and configures the database connection.
func (c *Container) initDB() (*sql.DB, error) {
	db, err := database.Connect(database.Config{
		Driver:             c.config.DBDriver,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// initTxManager creates the transaction manager using the database connection.
func (c *Container) initTxManager() (database.TxManager, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for tx manager: %w", err)
	}
	return database.NewTxManager(db), nil
}

// initBrokerClient creates the Redis client for the broker.
func (c *Container) initBrokerClient() (rueidis.Client, error) {
	client, err := broker.Connect(broker.Config{
		Addr: c.config.BrokerAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return client, nil
}

// initRedisStreams creates the Redis streams adapter.
func (c *Container) initRedisStreams() (*broker.RedisStreams, error) {
	client, err := c.BrokerClient()
	if err != nil {
		return nil, fmt.Errorf("failed to get broker client for redis streams: %w", err)
	}
	return broker.NewRedisStreams(client), nil
}
