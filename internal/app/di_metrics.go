package app

import (
	"fmt"

	"github.com/allisson/relay/internal/metrics"
)

// MetricsProvider returns the OpenTelemetry metrics provider.
// It returns nil without error when metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	var err error
	c.metricsProviderInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		c.metricsProvider, err = metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["metricsProvider"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// PipelineMetrics returns the pipeline metrics instance.
// A no-op implementation is returned when metrics are disabled.
func (c *Container) PipelineMetrics() (metrics.PipelineMetrics, error) {
	var err error
	c.pipelineMetricsInit.Do(func() {
		c.pipelineMetrics, err = c.initPipelineMetrics()
		if err != nil {
			c.initErrors["pipelineMetrics"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["pipelineMetrics"]; exists {
		return nil, storedErr
	}
	return c.pipelineMetrics, nil
}

// BusinessMetrics returns the business metrics instance.
// A no-op implementation is returned when metrics are disabled.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	var err error
	c.businessMetricsInit.Do(func() {
		c.businessMetrics, err = c.initBusinessMetrics()
		if err != nil {
			c.initErrors["businessMetrics"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["businessMetrics"]; exists {
		return nil, storedErr
	}
	return c.businessMetrics, nil
}

// initPipelineMetrics creates the pipeline metrics instance.
func (c *Container) initPipelineMetrics() (metrics.PipelineMetrics, error) {
	if !c.config.MetricsEnabled {
		return metrics.NewNoOpPipelineMetrics(), nil
	}

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for pipeline metrics: %w", err)
	}

	return metrics.NewPipelineMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
}

// initBusinessMetrics creates the business metrics instance.
func (c *Container) initBusinessMetrics() (metrics.BusinessMetrics, error) {
	if !c.config.MetricsEnabled {
		return metrics.NewNoOpBusinessMetrics(), nil
	}

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for business metrics: %w", err)
	}

	return metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
}
