package cqrs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// ErrCommandBusShuttingDown is returned by Dispatch once the bus has
// begun shutting down.
var ErrCommandBusShuttingDown = errors.New("cqrs: command bus is shutting down")

// DefaultCommandBus is the reflection-based CommandBus implementation
// used throughout this module.
type DefaultCommandBus struct {
	*Bus
}

// NewCommandBus builds a DefaultCommandBus. When ctx is non-nil, the bus
// shuts itself down as soon as ctx is cancelled.
func NewCommandBus(ctx context.Context) *DefaultCommandBus {
	b := &DefaultCommandBus{Bus: NewBus("command")}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Shutdown()
		}()
	}
	return b
}

// commandName returns cmdType's declared Command name by instantiating
// its zero value and asserting it implements Command.
func commandName(cmdType reflect.Type) (string, error) {
	zero := reflect.New(cmdType).Elem().Interface()
	cmd, ok := zero.(Command)
	if !ok {
		return "", fmt.Errorf("cqrs: %s does not implement Command", cmdType)
	}
	return cmd.Name(), nil
}

// Register registers handler, which must implement
// CommandHandler[C] for some concrete Command type C.
func (b *DefaultCommandBus) Register(handler interface{}) error {
	method, ok := reflect.TypeOf(handler).MethodByName("Handle")
	if !ok {
		return fmt.Errorf("cqrs: handler %T has no Handle method", handler)
	}
	cmdType := method.Type.In(1)
	return b.Bus.Register(handler, cmdType, func(h interface{}, t reflect.Type) (string, error) {
		return commandName(t)
	})
}

// Dispatch looks up the handler registered for cmd's Name and invokes
// it, returning ErrCommandBusShuttingDown if Shutdown was already
// called.
func (b *DefaultCommandBus) Dispatch(cmd Command) error {
	if b.IsShuttingDown() {
		return ErrCommandBusShuttingDown
	}

	handler, ok := b.GetHandler(cmd.Name())
	if !ok {
		return fmt.Errorf("cqrs: no handler registered for command %q", cmd.Name())
	}

	b.IncrementActiveCount()
	defer b.DecrementActiveCount()

	out := reflect.ValueOf(handler).MethodByName("Handle").Call([]reflect.Value{reflect.ValueOf(cmd)})
	if errVal := out[0]; !errVal.IsNil() {
		return errVal.Interface().(error)
	}
	return nil
}

var _ CommandBus = (*DefaultCommandBus)(nil)
