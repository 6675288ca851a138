package stream

import (
	"fmt"
	"sync"

	"github.com/statline/feedsync/cfg"
)

// SourceFactory is a function that creates a Source from configuration
type SourceFactory func(cfg.StreamConfiguration) (Source, error)

var (
	sourceFactories = make(map[cfg.StreamSourceType]SourceFactory)
	factoryMu       sync.RWMutex
)

// RegisterSource registers a source factory for a transport type.
// Transport packages register themselves from init.
func RegisterSource(sourceType cfg.StreamSourceType, factory SourceFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sourceFactories[sourceType] = factory
}

// NewSource creates a source based on the configuration
func NewSource(config cfg.StreamConfiguration) (Source, error) {
	factoryMu.RLock()
	factory, exists := sourceFactories[config.Source]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown stream source: %s", config.Source)
	}

	return factory(config)
}
