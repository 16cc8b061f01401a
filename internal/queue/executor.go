package queue

import (
	"context"
	"fmt"
)

// Result is the outcome of a successful execution.
type Result struct {
	// ExternalMessageID is the provider-side id (message id, refund id,
	// calendar event id...).
	ExternalMessageID string
	// Details is a short free-form note kept with the record, e.g. why an
	// execution was a no-op.
	Details string
}

// Executor performs the action behind one notification type.
// Expected failures are returned as errors; wrap them with
// NewNonRetryableError when another attempt cannot succeed.
type Executor interface {
	Execute(ctx context.Context, record *Record) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, record *Record) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, record *Record) (Result, error) {
	return f(ctx, record)
}

// Registry maps notification types to executors.
type Registry struct {
	executors map[NotificationType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[NotificationType]Executor)}
}

// Register sets the executor for a notification type.
func (r *Registry) Register(t NotificationType, executor Executor) {
	r.executors[t] = executor
}

// Lookup returns the executor for a notification type.
func (r *Registry) Lookup(t NotificationType) (Executor, error) {
	executor, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, t)
	}
	return executor, nil
}

// Types returns the registered notification types.
func (r *Registry) Types() []NotificationType {
	types := make([]NotificationType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// Message is what a channel sender delivers.
type Message struct {
	To       string
	Subject  string
	Body     string
	Metadata map[string]string
}

// Sender delivers messages over one channel.
type Sender interface {
	// ValidateRecipient reports whether the address is well formed for the
	// channel.
	ValidateRecipient(recipient string) bool
	// Send delivers the message and returns the provider message id.
	Send(ctx context.Context, msg Message) (string, error)
}
