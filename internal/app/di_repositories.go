package app

import (
	"fmt"

	gatewayUseCase "github.com/allisson/relay/internal/gateway/usecase"
	idempotencyRepo "github.com/allisson/relay/internal/idempotency/repository"
	idempotencyUseCase "github.com/allisson/relay/internal/idempotency/usecase"
	lifecycleRepo "github.com/allisson/relay/internal/lifecycle/repository"
	lifecycleUseCase "github.com/allisson/relay/internal/lifecycle/usecase"
	outboxRepo "github.com/allisson/relay/internal/outbox/repository"
	outboxUseCase "github.com/allisson/relay/internal/outbox/usecase"
)

// idempotencyRepository combines the slices of the idempotency repository used
// by the gateway and by the retry worker. Both concrete repositories satisfy it.
type idempotencyRepository interface {
	gatewayUseCase.IdempotencyRepository
	idempotencyUseCase.IdempotencyRepository
}

// outboxRepository combines the slices of the outbox repository used by the
// gateway, the dispatcher, and the requeue use case.
type outboxRepository interface {
	gatewayUseCase.OutboxEventRepository
	outboxUseCase.OutboxEventRepository
	outboxUseCase.RequeueRepository
}

// IdempotencyRepository returns the idempotency record repository based on database driver.
func (c *Container) IdempotencyRepository() (idempotencyRepository, error) {
	var err error
	c.idempotencyRepoInit.Do(func() {
		c.idempotencyRepo, err = c.initIdempotencyRepository()
		if err != nil {
			c.initErrors["idempotencyRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["idempotencyRepo"]; exists {
		return nil, storedErr
	}
	return c.idempotencyRepo, nil
}

// OutboxRepository returns the outbox event repository based on database driver.
func (c *Container) OutboxRepository() (outboxRepository, error) {
	var err error
	c.outboxRepoInit.Do(func() {
		c.outboxRepo, err = c.initOutboxRepository()
		if err != nil {
			c.initErrors["outboxRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["outboxRepo"]; exists {
		return nil, storedErr
	}
	return c.outboxRepo, nil
}

// LifecycleRepository returns the lifecycle record repository based on database driver.
func (c *Container) LifecycleRepository() (lifecycleUseCase.LifecycleRepository, error) {
	var err error
	c.lifecycleRepoInit.Do(func() {
		c.lifecycleRepo, err = c.initLifecycleRepository()
		if err != nil {
			c.initErrors["lifecycleRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["lifecycleRepo"]; exists {
		return nil, storedErr
	}
	return c.lifecycleRepo, nil
}

// initIdempotencyRepository creates the idempotency repository based on the database driver.
func (c *Container) initIdempotencyRepository() (idempotencyRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for idempotency repository: %w", err)
	}

	switch c.config.DBDriver {
	case "postgres":
		return idempotencyRepo.NewPostgreSQLIdempotencyRepository(db), nil
	case "mysql":
		return idempotencyRepo.NewMySQLIdempotencyRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
	}
}

// initOutboxRepository creates the outbox event repository based on the database driver.
func (c *Container) initOutboxRepository() (outboxRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for outbox repository: %w", err)
	}

	switch c.config.DBDriver {
	case "postgres":
		return outboxRepo.NewPostgreSQLOutboxEventRepository(db), nil
	case "mysql":
		return outboxRepo.NewMySQLOutboxEventRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
	}
}

// initLifecycleRepository creates the lifecycle repository based on the database driver.
func (c *Container) initLifecycleRepository() (lifecycleUseCase.LifecycleRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for lifecycle repository: %w", err)
	}

	switch c.config.DBDriver {
	case "postgres":
		return lifecycleRepo.NewPostgreSQLLifecycleRepository(db), nil
	case "mysql":
		return lifecycleRepo.NewMySQLLifecycleRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
	}
}
