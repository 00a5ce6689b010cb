package exec

import (
	"context"
	"errors"
	"fmt"
)

// ErrRemoteUnavailable is returned when a remote launch has no delegate.
var ErrRemoteUnavailable = errors.New("no remote delegate configured")

// Function runs in-process agents. It holds no external resources.
type Function struct{}

// NewFunction creates an in-process function runtime.
func NewFunction() *Function {
	return &Function{}
}

// Kind returns KindFunction.
func (f *Function) Kind() Kind {
	return KindFunction
}

// Execute invokes the agent's function directly.
func (f *Function) Execute(ctx context.Context, rc *RunContext) error {
	if rc.Spec.Function == nil {
		return fmt.Errorf("agent %s: no function supplied", rc.Agent)
	}
	return rc.Spec.Function(ctx, rc)
}

// Delegate hands a launch to another server.
type Delegate interface {
	Delegate(ctx context.Context, rc *RunContext) error
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(ctx context.Context, rc *RunContext) error

func (f DelegateFunc) Delegate(ctx context.Context, rc *RunContext) error { return f(ctx, rc) }

// Remote runs agents on a different server through a Delegate.
type Remote struct {
	delegate Delegate
}

// NewRemote creates a remote runtime. A nil delegate makes every launch fail with
// ErrRemoteUnavailable.
func NewRemote(delegate Delegate) *Remote {
	return &Remote{delegate: delegate}
}

// Kind returns KindRemote.
func (r *Remote) Kind() Kind {
	return KindRemote
}

// Execute forwards the launch to the delegate.
func (r *Remote) Execute(ctx context.Context, rc *RunContext) error {
	if r.delegate == nil {
		return fmt.Errorf("agent %s: %w", rc.Agent, ErrRemoteUnavailable)
	}
	rc.logger().Info("Delegating launch to %s", rc.Spec.Endpoint)
	return r.delegate.Delegate(ctx, rc)
}
