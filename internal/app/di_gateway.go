package app

import (
	"fmt"

	gatewayHTTP "github.com/allisson/relay/internal/gateway/http"
	gatewayUseCase "github.com/allisson/relay/internal/gateway/usecase"
	"github.com/allisson/relay/internal/http"
	lifecycleUseCase "github.com/allisson/relay/internal/lifecycle/usecase"
)

// LifecycleTracker returns the lifecycle tracker instance.
func (c *Container) LifecycleTracker() (lifecycleUseCase.Tracker, error) {
	var err error
	c.lifecycleTrackerInit.Do(func() {
		c.lifecycleTracker, err = c.initLifecycleTracker()
		if err != nil {
			c.initErrors["lifecycleTracker"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["lifecycleTracker"]; exists {
		return nil, storedErr
	}
	return c.lifecycleTracker, nil
}

// GatewayUseCase returns the gateway use case instance.
func (c *Container) GatewayUseCase() (gatewayUseCase.GatewayUseCase, error) {
	var err error
	c.gatewayUseCaseInit.Do(func() {
		c.gatewayUseCase, err = c.initGatewayUseCase()
		if err != nil {
			c.initErrors["gatewayUseCase"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["gatewayUseCase"]; exists {
		return nil, storedErr
	}
	return c.gatewayUseCase, nil
}

// CommandHandler returns the HTTP handler for command submissions.
func (c *Container) CommandHandler() (*gatewayHTTP.CommandHandler, error) {
	var err error
	c.commandHandlerInit.Do(func() {
		c.commandHandler, err = c.initCommandHandler()
		if err != nil {
			c.initErrors["commandHandler"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["commandHandler"]; exists {
		return nil, storedErr
	}
	return c.commandHandler, nil
}

// HTTPServer returns the HTTP server instance.
func (c *Container) HTTPServer() (*http.Server, error) {
	var err error
	c.httpServerInit.Do(func() {
		c.httpServer, err = c.initHTTPServer()
		if err != nil {
			c.initErrors["httpServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["httpServer"]; exists {
		return nil, storedErr
	}
	return c.httpServer, nil
}

// MetricsServer returns the metrics HTTP server instance.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	var err error
	c.metricsServerInit.Do(func() {
		c.metricsServer, err = c.initMetricsServer()
		if err != nil {
			c.initErrors["metricsServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// initLifecycleTracker creates the lifecycle tracker with all its dependencies.
func (c *Container) initLifecycleTracker() (lifecycleUseCase.Tracker, error) {
	lifecycleRepo, err := c.LifecycleRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get lifecycle repository for lifecycle tracker: %w", err)
	}

	pipelineMetrics, err := c.PipelineMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline metrics for lifecycle tracker: %w", err)
	}

	return lifecycleUseCase.NewLifecycleTracker(
		lifecycleRepo,
		pipelineMetrics,
		c.config.LifecycleStaleThreshold,
		c.Logger(),
	), nil
}

// initGatewayUseCase creates the gateway use case with all its dependencies.
func (c *Container) initGatewayUseCase() (gatewayUseCase.GatewayUseCase, error) {
	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for gateway use case: %w", err)
	}

	idempotencyRepo, err := c.IdempotencyRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency repository for gateway use case: %w", err)
	}

	outboxRepo, err := c.OutboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox repository for gateway use case: %w", err)
	}

	lifecycleTracker, err := c.LifecycleTracker()
	if err != nil {
		return nil, fmt.Errorf("failed to get lifecycle tracker for gateway use case: %w", err)
	}

	useCaseConfig := gatewayUseCase.Config{
		TargetService: c.config.BrokerTargetService,
		MaxRetries:    c.config.WorkerMaxRetries,
	}

	baseUseCase := gatewayUseCase.NewGatewayUseCase(
		useCaseConfig,
		txManager,
		idempotencyRepo,
		outboxRepo,
		lifecycleTracker,
		c.Logger(),
	)

	// Wrap with metrics if enabled
	if c.config.MetricsEnabled {
		businessMetrics, err := c.BusinessMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to get business metrics for gateway use case: %w", err)
		}
		return gatewayUseCase.NewGatewayUseCaseWithMetrics(baseUseCase, businessMetrics), nil
	}

	return baseUseCase, nil
}

// initCommandHandler creates the command HTTP handler with all its dependencies.
func (c *Container) initCommandHandler() (*gatewayHTTP.CommandHandler, error) {
	useCase, err := c.GatewayUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway use case for command handler: %w", err)
	}

	return gatewayHTTP.NewCommandHandler(useCase, c.Logger()), nil
}

// initHTTPServer creates the HTTP server with all its dependencies.
func (c *Container) initHTTPServer() (*http.Server, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for http server: %w", err)
	}

	commandHandler, err := c.CommandHandler()
	if err != nil {
		return nil, fmt.Errorf("failed to get command handler for http server: %w", err)
	}

	return http.NewServer(
		db,
		c.config.ServerHost,
		c.config.ServerPort,
		commandHandler,
		c.config.CORSEnabled,
		c.config.CORSAllowOrigins,
		c.Logger(),
	), nil
}

// initMetricsServer creates the metrics HTTP server.
func (c *Container) initMetricsServer() (*http.MetricsServer, error) {
	metricsProvider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for metrics server: %w", err)
	}

	return http.NewMetricsServer(
		c.config.ServerHost,
		c.config.MetricsPort,
		c.Logger(),
		metricsProvider,
	), nil
}
