package store

import (
	"fmt"
	"sync"
)

// Constructor creates a Store instance from configuration.
// Implementations register themselves with the registry using Register().
type Constructor func(cfg Config) (Store, error)

// registry maps backend types to their constructors
var (
	registry      = make(map[Type]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a backend constructor.
// This is called from init() functions in backend packages (sqlite, postgres).
//
// Example:
//
//	func init() {
//	    store.Register(store.TypeSQLite, New)
//	}
func Register(t Type, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("store: Register constructor is nil for backend %s", t))
	}

	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("store: Register called twice for backend %s", t))
	}

	registry[t] = constructor
}

// getConstructor retrieves the constructor for a backend type.
// Returns nil if the type is not registered.
func getConstructor(t Type) Constructor {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	return registry[t]
}

// IsRegistered returns true if a constructor is registered for the given type.
func IsRegistered(t Type) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[t]
	return exists
}

// RegisteredBackends returns all registered backend types.
// Useful for testing and error messages.
func RegisteredBackends() []Type {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}
