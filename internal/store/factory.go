package store

import (
	"fmt"
	"strings"
)

// Factory creates Store instances from configuration.
//
// The factory validates configuration before consulting the registry, and
// supports a fallback backend for setups where the preferred backend is not
// compiled in or not configured.
type Factory struct {
	// fallback is tried when the requested backend is not registered
	fallback Type
}

// NewFactory creates a store factory with the specified options.
//
// Default behavior: no fallback, the configured backend must be registered.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FactoryOption configures the factory
type FactoryOption func(*Factory)

// WithFallback sets a backend to use when the configured one is unavailable
func WithFallback(t Type) FactoryOption {
	return func(f *Factory) {
		f.fallback = t
	}
}

// Create builds a Store for the given configuration.
//
// The factory will:
//  1. Parse and validate the backend type
//  2. Look up the registered constructor (falling back if configured)
//  3. Run the constructor
func (f *Factory) Create(cfg Config) (Store, error) {
	t, err := ParseType(string(cfg.Backend))
	if err != nil {
		return nil, err
	}
	cfg.Backend = t

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	constructor := getConstructor(t)
	if constructor == nil && f.fallback != "" && f.fallback != t {
		if c := getConstructor(f.fallback); c != nil {
			constructor = c
			cfg.Backend = f.fallback
		}
	}
	if constructor == nil {
		return nil, fmt.Errorf("no registered constructor for backend: %s (available: %v)", t, RegisteredBackends())
	}

	st, err := constructor(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Backend, err)
	}

	return st, nil
}

// ParseType validates and canonicalizes a backend type string.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeSQLite:
		return TypeSQLite, nil
	case TypePostgres:
		return TypePostgres, nil
	case "":
		return "", fmt.Errorf("backend is required (sqlite or postgres)")
	}
	return "", fmt.Errorf("unknown backend: %q (want sqlite or postgres)", s)
}

func validateConfig(cfg Config) error {
	switch cfg.Backend {
	case TypeSQLite:
		if cfg.Path == "" {
			return fmt.Errorf("sqlite backend requires a database path")
		}
	case TypePostgres:
		if cfg.DSN == "" {
			return fmt.Errorf("postgres backend requires a DSN")
		}
	}
	return nil
}

// Open builds a Store for the given configuration using default factory
// options. This is the most common entry point.
func Open(cfg Config) (Store, error) {
	return NewFactory().Create(cfg)
}
