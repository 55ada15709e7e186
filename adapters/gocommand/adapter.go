// Package gocommand binds inspector commands and queries to the go-command
// registry and dispatcher.
package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

// RegistryAdapter owns a go-command registry and every dispatcher
// subscription made through it, so a Close drops the whole binding set.
type RegistryAdapter struct {
	registry *command.Registry

	mu            sync.Mutex
	subscriptions []commanddispatcher.Subscription
	types         []string
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered handlers into a go-job queue registry
// during Initialize.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// Types lists the message types bound through the adapter in registration
// order.
func (a *RegistryAdapter) Types() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.types...)
}

// Close unsubscribes every handler bound through the adapter. It is safe to
// call more than once.
func (a *RegistryAdapter) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	subscriptions := a.subscriptions
	a.subscriptions = nil
	a.types = nil
	a.mu.Unlock()
	for i := len(subscriptions) - 1; i >= 0; i-- {
		if subscriptions[i] != nil {
			subscriptions[i].Unsubscribe()
		}
	}
	return nil
}

func (a *RegistryAdapter) track(msgType string, subscription commanddispatcher.Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscriptions = append(a.subscriptions, subscription)
	a.types = append(a.types, msgType)
}

// RegisterCommand subscribes cmd on the dispatcher and registers it with the
// registry. A failed registration rolls the subscription back.
func RegisterCommand[T command.Message](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) error {
	if adapter == nil || adapter.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	var zero T
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return fmt.Errorf("gocommand: register %s: %w", zero.Type(), err)
	}
	adapter.track(zero.Type(), subscription)
	return nil
}

func RegisterQuery[T command.Message, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) error {
	if adapter == nil || adapter.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return fmt.Errorf("gocommand: query is required")
	}
	var zero T
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.registry.RegisterCommand(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return fmt.Errorf("gocommand: register %s: %w", zero.Type(), err)
	}
	adapter.track(zero.Type(), subscription)
	return nil
}

// Dispatch validates msg before handing it to the dispatcher.
func Dispatch[T command.Message](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchWithResult runs the command and returns whatever the handler
// stored in the context result collector.
func DispatchWithResult[T command.Message, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	if err := ValidateMessageContract(msg); err != nil {
		return zero, err
	}
	collector := command.NewResult[R]()
	if err := commanddispatcher.Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, _ := collector.Load()
	return out, nil
}

func Query[T command.Message, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}
