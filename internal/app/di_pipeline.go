package app

import (
	"fmt"
	"os"

	"golang.org/x/time/rate"

	"github.com/allisson/relay/internal/broker"
	consumerUseCase "github.com/allisson/relay/internal/consumer/usecase"
	idempotencyUseCase "github.com/allisson/relay/internal/idempotency/usecase"
	outboxUseCase "github.com/allisson/relay/internal/outbox/usecase"
)

// Publisher returns the stream publisher for the command stream.
func (c *Container) Publisher() (*broker.StreamPublisher, error) {
	var err error
	c.publisherInit.Do(func() {
		c.publisher, err = c.initPublisher(c.config.BrokerStream)
		if err != nil {
			c.initErrors["publisher"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["publisher"]; exists {
		return nil, storedErr
	}
	return c.publisher, nil
}

// DeadLetterPublisher returns the stream publisher for the dead-letter stream.
func (c *Container) DeadLetterPublisher() (*broker.StreamPublisher, error) {
	var err error
	c.deadLetterPublisherInit.Do(func() {
		c.deadLetterPublisher, err = c.initPublisher(c.config.BrokerDeadLetterStream)
		if err != nil {
			c.initErrors["deadLetterPublisher"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["deadLetterPublisher"]; exists {
		return nil, storedErr
	}
	return c.deadLetterPublisher, nil
}

// Dispatcher returns the outbox dispatcher instance.
func (c *Container) Dispatcher() (*outboxUseCase.Dispatcher, error) {
	var err error
	c.dispatcherInit.Do(func() {
		c.dispatcher, err = c.initDispatcher()
		if err != nil {
			c.initErrors["dispatcher"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["dispatcher"]; exists {
		return nil, storedErr
	}
	return c.dispatcher, nil
}

// RequeueUseCase returns the dead-letter requeue use case instance.
func (c *Container) RequeueUseCase() (*outboxUseCase.RequeueUseCase, error) {
	var err error
	c.requeueUseCaseInit.Do(func() {
		c.requeueUseCase, err = c.initRequeueUseCase()
		if err != nil {
			c.initErrors["requeueUseCase"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["requeueUseCase"]; exists {
		return nil, storedErr
	}
	return c.requeueUseCase, nil
}

// RetryWorker returns the idempotency retry worker instance.
func (c *Container) RetryWorker() (*idempotencyUseCase.RetryWorker, error) {
	var err error
	c.retryWorkerInit.Do(func() {
		c.retryWorker, err = c.initRetryWorker()
		if err != nil {
			c.initErrors["retryWorker"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["retryWorker"]; exists {
		return nil, storedErr
	}
	return c.retryWorker, nil
}

// Consumer returns the stream consumer instance.
func (c *Container) Consumer() (*consumerUseCase.Consumer, error) {
	var err error
	c.consumerInit.Do(func() {
		c.consumer, err = c.initConsumer()
		if err != nil {
			c.initErrors["consumer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["consumer"]; exists {
		return nil, storedErr
	}
	return c.consumer, nil
}

// initPublisher creates a stream publisher for the given stream.
func (c *Container) initPublisher(stream string) (*broker.StreamPublisher, error) {
	redisStreams, err := c.RedisStreams()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis streams for publisher: %w", err)
	}
	return broker.NewStreamPublisher(redisStreams, stream), nil
}

// initDispatcher creates the outbox dispatcher with all its dependencies.
func (c *Container) initDispatcher() (*outboxUseCase.Dispatcher, error) {
	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for dispatcher: %w", err)
	}

	outboxRepo, err := c.OutboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox repository for dispatcher: %w", err)
	}

	publisher, err := c.Publisher()
	if err != nil {
		return nil, fmt.Errorf("failed to get publisher for dispatcher: %w", err)
	}

	deadLetterPublisher, err := c.DeadLetterPublisher()
	if err != nil {
		return nil, fmt.Errorf("failed to get dead-letter publisher for dispatcher: %w", err)
	}

	lifecycleTracker, err := c.LifecycleTracker()
	if err != nil {
		return nil, fmt.Errorf("failed to get lifecycle tracker for dispatcher: %w", err)
	}

	pipelineMetrics, err := c.PipelineMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline metrics for dispatcher: %w", err)
	}

	dispatcherConfig := outboxUseCase.Config{
		PollInterval: c.config.DispatcherPollInterval,
		BatchSize:    c.config.DispatcherBatchSize,
		MaxRetries:   c.config.DispatcherMaxRetries,
		BaseDelay:    c.config.DispatcherBaseDelay,
		JitterFactor: c.config.DispatcherJitterFactor,
		LockTimeout:  c.config.DispatcherLockTimeout,
		WorkerID:     workerID("dispatcher"),
		Stream:       c.config.BrokerStream,
	}

	var limiter *rate.Limiter
	if c.config.DispatcherRateLimitEnabled {
		limiter = rate.NewLimiter(
			rate.Limit(c.config.DispatcherRateLimitPerSec),
			c.config.DispatcherRateLimitBurst,
		)
	}

	return outboxUseCase.NewDispatcher(
		dispatcherConfig,
		txManager,
		outboxRepo,
		publisher,
		deadLetterPublisher,
		lifecycleTracker,
		pipelineMetrics,
		limiter,
		c.Logger(),
	), nil
}

// initRequeueUseCase creates the requeue use case with all its dependencies.
func (c *Container) initRequeueUseCase() (*outboxUseCase.RequeueUseCase, error) {
	outboxRepo, err := c.OutboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox repository for requeue use case: %w", err)
	}

	return outboxUseCase.NewRequeueUseCase(outboxRepo, c.Logger()), nil
}

// initRetryWorker creates the retry worker with all its dependencies.
func (c *Container) initRetryWorker() (*idempotencyUseCase.RetryWorker, error) {
	idempotencyRepo, err := c.IdempotencyRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency repository for retry worker: %w", err)
	}

	lifecycleTracker, err := c.LifecycleTracker()
	if err != nil {
		return nil, fmt.Errorf("failed to get lifecycle tracker for retry worker: %w", err)
	}

	pipelineMetrics, err := c.PipelineMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline metrics for retry worker: %w", err)
	}

	workerConfig := idempotencyUseCase.WorkerConfig{
		SweepInterval: c.config.WorkerSweepInterval,
		BatchSize:     c.config.WorkerBatchSize,
		MaxRetries:    c.config.WorkerMaxRetries,
		ClaimTimeout:  c.config.WorkerClaimTimeout,
		WorkerID:      workerID("retry-worker"),
	}

	return idempotencyUseCase.NewRetryWorker(
		workerConfig,
		idempotencyRepo,
		c.Registry(),
		lifecycleTracker,
		pipelineMetrics,
		c.Logger(),
	), nil
}

// initConsumer creates the stream consumer with all its dependencies.
func (c *Container) initConsumer() (*consumerUseCase.Consumer, error) {
	redisStreams, err := c.RedisStreams()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis streams for consumer: %w", err)
	}

	lifecycleTracker, err := c.LifecycleTracker()
	if err != nil {
		return nil, fmt.Errorf("failed to get lifecycle tracker for consumer: %w", err)
	}

	pipelineMetrics, err := c.PipelineMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline metrics for consumer: %w", err)
	}

	consumerConfig := consumerUseCase.Config{
		Stream:       c.config.BrokerStream,
		Group:        c.config.BrokerConsumerGroup,
		ConsumerName: c.config.BrokerConsumerName,
		BatchSize:    c.config.BrokerConsumerBatchSize,
		BlockTimeout: c.config.BrokerConsumerBlockTimeout,
	}

	groupConsumer := broker.NewGroupConsumer(
		redisStreams,
		consumerConfig.Stream,
		consumerConfig.Group,
		consumerConfig.ConsumerName,
	)

	return consumerUseCase.NewConsumer(
		consumerConfig,
		groupConsumer,
		redisStreams,
		lifecycleTracker,
		pipelineMetrics,
		c.Logger(),
	), nil
}

// workerID builds a claim owner identity unique to this process.
func workerID(role string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", role, hostname, os.Getpid())
}
