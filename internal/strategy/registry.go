package strategy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrNoStrategy        = errors.New("no strategy for document type")
	ErrDuplicateStrategy = errors.New("strategy already registered")
	ErrDefaultAlreadySet = errors.New("default strategy already registered")
	ErrRegistryFrozen    = errors.New("strategy registry is frozen")
	ErrInvalidFields     = errors.New("extracted fields do not match strategy schema")
)

// Registry maps document types to strategies. It is populated at startup,
// frozen, and then only read by workers.
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy
	byName     map[string]Strategy
	schemas    map[string]*jsonschema.Schema
	fallback   Strategy
	frozen     bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]Strategy),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds s. At most one strategy may be the default. Strategies that
// implement SchemaProvider have their schema compiled here, so a bad schema
// fails startup rather than the first job.
func (r *Registry) Register(s Strategy, isDefault bool) error {
	if s == nil || s.Name() == "" {
		return errors.New("strategy must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.byName[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, s.Name())
	}
	if isDefault && r.fallback != nil {
		return fmt.Errorf("%w: %s", ErrDefaultAlreadySet, r.fallback.Name())
	}

	if sp, ok := s.(SchemaProvider); ok {
		schema, err := compileSchema(s.Name(), sp.FieldSchema())
		if err != nil {
			return err
		}
		r.schemas[s.Name()] = schema
	}

	r.strategies = append(r.strategies, s)
	r.byName[s.Name()] = s
	if isDefault {
		r.fallback = s
	}
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(s Strategy, isDefault bool) {
	if err := r.Register(s, isDefault); err != nil {
		panic(err)
	}
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the first registered strategy matching docType, else the
// default, else false.
func (r *Registry) Resolve(docType string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.strategies {
		if s.Matches(docType) {
			return s, true
		}
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Get looks a strategy up by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Default returns the default strategy, if one is registered.
func (r *Registry) Default() (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback, r.fallback != nil
}

// List returns strategy names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// Validate checks fields against the schema declared by the named strategy.
// Strategies without a schema accept anything.
func (r *Registry) Validate(name string, fields map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}
	return validateFields(schema, fields)
}
