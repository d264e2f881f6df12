// Package registry maps source-type tags to connector factories. The set of
// variants is closed and explicit: adding a source type means adding one
// registry entry and one connector implementation, never runtime type
// inspection of an open hierarchy.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
)

// SourceFactory creates a source connector instance for a config. The
// returned connector is not yet initialized.
type SourceFactory func(cfg *config.ConnectorConfig) (core.Source, error)

// Registry manages source connector registration and instantiation.
type Registry struct {
	sources map[string]SourceFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register registers a source connector factory under a source-type tag.
// Registering the same tag twice is a configuration error.
func (r *Registry) Register(tag string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[tag]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source type %s already registered", tag))
	}

	r.sources[tag] = factory
	r.logger.Info("source connector registered", zap.String("type", tag))
	return nil
}

// Create instantiates a source connector for the config's source-type tag.
func (r *Registry) Create(tag string, cfg *config.ConnectorConfig) (core.Source, error) {
	r.mu.RLock()
	factory, exists := r.sources[tag]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeUnknownSourceType, fmt.Sprintf("source type %s not registered", tag))
	}

	source, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create %s connector", tag))
	}

	return source, nil
}

// Has checks whether a source-type tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[tag]
	return exists
}

// List returns the registered source-type tags, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.sources))
	for tag := range r.sources {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Unregister removes one tag (mainly for testing).
func (r *Registry) Unregister(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, tag)
}

// Clear removes all registered connectors (mainly for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = make(map[string]SourceFactory)
}

// Global registry functions

// Register registers a source connector in the global registry.
func Register(tag string, factory SourceFactory) error {
	return globalRegistry.Register(tag, factory)
}

// MustRegister registers a factory and panics on duplicate tags. Used from
// connector package init functions where a duplicate is a programming error.
func MustRegister(tag string, factory SourceFactory) {
	if err := globalRegistry.Register(tag, factory); err != nil {
		panic(err)
	}
}

// Create instantiates a connector from the global registry.
func Create(tag string, cfg *config.ConnectorConfig) (core.Source, error) {
	return globalRegistry.Create(tag, cfg)
}

// Has checks the global registry for a source-type tag.
func Has(tag string) bool {
	return globalRegistry.Has(tag)
}

// List returns the global registry's source-type tags.
func List() []string {
	return globalRegistry.List()
}

// Unregister removes a tag from the global registry.
func Unregister(tag string) {
	globalRegistry.Unregister(tag)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
