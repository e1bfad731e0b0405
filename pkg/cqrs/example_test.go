package cqrs_test

import (
	"context"
	"fmt"

	"github.com/quentingllmt/hostsupervisor/pkg/cqrs"
)

type pingCommand struct{ Caller string }

func (pingCommand) Name() string { return "Ping" }

type pingHandler struct{}

func (pingHandler) Handle(cmd pingCommand) error {
	fmt.Printf("pong for %s\n", cmd.Caller)
	return nil
}

type echoQuery struct{ Message string }

func (echoQuery) Name() string { return "Echo" }

type echoHandler struct{}

func (echoHandler) Handle(q echoQuery) (string, error) {
	return q.Message, nil
}

// Example_commandBus shows registering a handler and dispatching a
// command through a DefaultCommandBus.
func Example_commandBus() {
	bus := cqrs.NewCommandBus(context.Background())
	if err := bus.Register(&pingHandler{}); err != nil {
		fmt.Println("register failed:", err)
		return
	}
	if err := bus.Dispatch(pingCommand{Caller: "example"}); err != nil {
		fmt.Println("dispatch failed:", err)
		return
	}
	// Output:
	// pong for example
}

// Example_queryBus shows registering a handler and dispatching a query
// through a DefaultQueryBus, then recovering the typed result.
func Example_queryBus() {
	bus := cqrs.NewQueryBus()
	if err := bus.Register(&echoHandler{}); err != nil {
		fmt.Println("register failed:", err)
		return
	}
	result, err := bus.Dispatch(echoQuery{Message: "hello"})
	if err != nil {
		fmt.Println("dispatch failed:", err)
		return
	}
	msg, ok := result.(string)
	if !ok {
		fmt.Println("unexpected result type")
		return
	}
	fmt.Println(msg)
	// Output:
	// hello
}
