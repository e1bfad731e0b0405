// Package cqrs provides a small reflection-based command/query bus: a
// handler registers itself under the message type it accepts, dispatch
// looks the handler up by the message's own declared name and invokes it.
package cqrs

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// NameProvider is satisfied by both Command and Query: every message
// routed through a bus names itself, and that name is the lookup key.
type NameProvider interface {
	Name() string
}

// ActionProvider is the lifecycle surface common to both bus flavors:
// registering handlers and draining in-flight work during shutdown.
type ActionProvider interface {
	Register(handler interface{}) error
	Shutdown()
	WaitForCompletion()
}

// handlerValidator checks that handler accepts messageType as its
// Handle argument and implements NameProvider on it, returning the
// message's declared name for the registry key.
type handlerValidator func(handler interface{}, messageType reflect.Type) (string, error)

// Bus is the shared registry and in-flight counter behind
// DefaultCommandBus and DefaultQueryBus.
type Bus struct {
	kind     string
	mu       sync.RWMutex
	handlers map[string]interface{}
	draining atomic.Bool
	inFlight sync.WaitGroup
}

// NewBus allocates an empty registry for the given bus kind ("command"
// or "query"), used only in error messages.
func NewBus(kind string) *Bus {
	return &Bus{kind: kind, handlers: make(map[string]interface{})}
}

// Register validates handler against messageType using validate, then
// stores it under the name validate returns. Returns an error if a
// handler is already registered under that name.
func (b *Bus) Register(handler interface{}, messageType reflect.Type, validate handlerValidator) error {
	rv := reflect.ValueOf(handler)
	if rv.Kind() != reflect.Ptr {
		return fmt.Errorf("cqrs: %s handler must be a pointer to a struct, got %T", b.kind, handler)
	}
	if _, ok := rv.Type().MethodByName("Handle"); !ok {
		return fmt.Errorf("cqrs: %s handler %T has no Handle method", b.kind, handler)
	}

	name, err := validate(handler, messageType)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.handlers[name]; taken {
		return fmt.Errorf("cqrs: a handler for %s %q is already registered", b.kind, name)
	}
	b.handlers[name] = handler
	return nil
}

// Shutdown stops the bus from accepting new dispatches. In-flight calls
// already past the shutdown check are unaffected.
func (b *Bus) Shutdown() {
	b.draining.Store(true)
}

// IsShuttingDown reports whether Shutdown has been called.
func (b *Bus) IsShuttingDown() bool {
	return b.draining.Load()
}

// WaitForCompletion blocks until every dispatch counted via
// IncrementActiveCount has called DecrementActiveCount.
func (b *Bus) WaitForCompletion() {
	b.inFlight.Wait()
}

// GetHandler looks up the handler registered under name.
func (b *Bus) GetHandler(name string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[name]
	return h, ok
}

// IncrementActiveCount marks one dispatch as in flight.
func (b *Bus) IncrementActiveCount() { b.inFlight.Add(1) }

// DecrementActiveCount marks one in-flight dispatch as finished.
func (b *Bus) DecrementActiveCount() { b.inFlight.Done() }
