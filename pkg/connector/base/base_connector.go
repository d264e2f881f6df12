// Package base provides the foundational BaseConnector that all Strataflow
// source connectors embed. It carries the shared lifecycle, structured
// logging, and retry behavior so individual connectors only implement
// source-specific extraction.
//
// All connectors should embed BaseConnector:
//
//	type MySource struct {
//	    *base.BaseConnector
//	    // source-specific fields
//	}
//
//	func NewMySource(cfg *config.ConnectorConfig) (core.Source, error) {
//	    return &MySource{
//	        BaseConnector: base.NewBaseConnector("mysource"),
//	    }, nil
//	}
//
// Transient failures (connection resets, rate limits, timeouts) are retried
// through the embedded retry policy with exponential backoff and jitter;
// permanent failures (bad credentials, unknown streams) surface immediately.
package base

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
)

// BaseConnector provides common functionality for all source connectors.
type BaseConnector struct {
	name   string
	config *config.ConnectorConfig
	logger *zap.Logger

	retryPolicy *RetryPolicy

	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
	closeMutex sync.Mutex
}

// NewBaseConnector creates a new base connector for the given source-type
// tag. Connector implementations call this during construction.
func NewBaseConnector(name string) *BaseConnector {
	return &BaseConnector{
		name:   name,
		logger: logger.Get().With(zap.String("connector", name)),
	}
}

// Initialize stores the config and sets up the retry policy and lifecycle
// context. Connector implementations call this first from their own
// Initialize.
func (bc *BaseConnector) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if cfg == nil {
		return errors.New(errors.ErrorTypeConfig, "configuration is required")
	}

	bc.config = cfg
	bc.ctx, bc.cancel = context.WithCancel(ctx)
	bc.logger = logger.Get().With(
		zap.String("connector", bc.name),
		zap.String("connector_id", cfg.ID),
	)

	bc.retryPolicy = NewRetryPolicy(
		cfg.Reliability.RetryAttempts,
		cfg.Reliability.RetryDelay,
	)
	if cfg.Reliability.MaxRetryDelay > 0 {
		bc.retryPolicy.MaxDelay = cfg.Reliability.MaxRetryDelay
	}

	return nil
}

// Name returns the source-type tag.
func (bc *BaseConnector) Name() string {
	return bc.name
}

// GetConfig returns the connector configuration.
func (bc *BaseConnector) GetConfig() *config.ConnectorConfig {
	return bc.config
}

// GetLogger returns the connector logger.
func (bc *BaseConnector) GetLogger() *zap.Logger {
	return bc.logger
}

// GetContext returns the connector lifecycle context.
func (bc *BaseConnector) GetContext() context.Context {
	return bc.ctx
}

// IsClosed reports whether Close has been called.
func (bc *BaseConnector) IsClosed() bool {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()
	return bc.closed
}

// Close cancels the lifecycle context. Safe to call more than once.
func (bc *BaseConnector) Close(ctx context.Context) error {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()

	if bc.closed {
		return nil
	}

	if bc.cancel != nil {
		bc.cancel()
	}

	bc.closed = true
	bc.logger.Info("connector closed")
	return nil
}

// ExecuteWithRetry runs fn with the retry policy, retrying only errors the
// taxonomy marks transient. Bad credentials and unknown streams are never
// retried.
func (bc *BaseConnector) ExecuteWithRetry(ctx context.Context, fn func() error) error {
	return bc.retryPolicy.ExecuteWithCondition(ctx, fn, errors.IsRetryable)
}

// RetryPolicyForTesting exposes the retry policy so tests can shrink delays.
func (bc *BaseConnector) RetryPolicyForTesting() *RetryPolicy {
	return bc.retryPolicy
}
