package lifecycle

import (
	"fmt"
	"sync"

	"github.com/maxpert/syncrelay/cfg"
)

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.LifecycleConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// HasSink reports whether a factory is registered for the type
func HasSink(sinkType string) bool {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	_, ok := sinkFactories[sinkType]
	return ok
}

// createSink creates a sink based on the configuration
func createSink(config cfg.LifecycleConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Sink]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Sink)
	}

	return factory(config)
}
