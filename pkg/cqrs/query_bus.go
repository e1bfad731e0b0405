package cqrs

import (
	"fmt"
	"reflect"
)

// DefaultQueryBus is the reflection-based QueryBus implementation used
// throughout this module.
type DefaultQueryBus struct {
	*Bus
}

// NewQueryBus builds an empty DefaultQueryBus.
func NewQueryBus() *DefaultQueryBus {
	return &DefaultQueryBus{Bus: NewBus("query")}
}

// queryName returns queryType's declared Query name by instantiating its
// zero value and asserting it implements Query.
func queryName(queryType reflect.Type) (string, error) {
	zero := reflect.New(queryType).Elem().Interface()
	q, ok := zero.(Query)
	if !ok {
		return "", fmt.Errorf("cqrs: %s does not implement Query", queryType)
	}
	return q.Name(), nil
}

// Register registers handler, which must implement
// QueryHandler[Q, R] for some concrete Query type Q and result type R.
func (b *DefaultQueryBus) Register(handler interface{}) error {
	method, ok := reflect.TypeOf(handler).MethodByName("Handle")
	if !ok {
		return fmt.Errorf("cqrs: handler %T has no Handle method", handler)
	}
	if method.Type.NumOut() != 2 {
		return fmt.Errorf("cqrs: handler %T's Handle must return (result, error)", handler)
	}
	queryType := method.Type.In(1)
	return b.Bus.Register(handler, queryType, func(h interface{}, t reflect.Type) (string, error) {
		return queryName(t)
	})
}

// Dispatch looks up the handler registered for query's Name, invokes it
// and returns its result value as interface{}.
func (b *DefaultQueryBus) Dispatch(query Query) (interface{}, error) {
	handler, ok := b.GetHandler(query.Name())
	if !ok {
		return nil, fmt.Errorf("cqrs: no handler registered for query %q", query.Name())
	}

	b.IncrementActiveCount()
	defer b.DecrementActiveCount()

	out := reflect.ValueOf(handler).MethodByName("Handle").Call([]reflect.Value{reflect.ValueOf(query)})
	if errVal := out[1]; !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	return out[0].Interface(), nil
}

var _ QueryBus = (*DefaultQueryBus)(nil)
