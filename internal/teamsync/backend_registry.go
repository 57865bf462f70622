package teamsync

import (
	"strings"
	"sync"
)

type DocumentStoreFactory func(dsn string) (DocumentStore, error)
type EnvelopeQueueFactory func(dsn string, capacity int) (EnvelopeQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	storeFactories map[string]DocumentStoreFactory
	queueFactories map[string]EnvelopeQueueFactory
}{
	storeFactories: map[string]DocumentStoreFactory{},
	queueFactories: map[string]EnvelopeQueueFactory{},
}

// RegisterDocumentStoreFactory lets callers plug in a document store for a
// DSN scheme. Registered factories take precedence over the built-in ones.
func RegisterDocumentStoreFactory(scheme string, factory DocumentStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func RegisterEnvelopeQueueFactory(scheme string, factory EnvelopeQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupDocumentStoreFactory(scheme string) (DocumentStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func lookupEnvelopeQueueFactory(scheme string) (EnvelopeQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
