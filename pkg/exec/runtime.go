// Package exec implements the agent runtime variants: local processes, containers,
// in-process functions and remote delegation.
package exec

import (
	"context"
	"fmt"
	"sort"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
)

// Kind identifies a runtime variant.
type Kind string

const (
	KindExecutable Kind = "executable"
	KindDocker     Kind = "docker"
	KindFunction   Kind = "function"
	KindRemote     Kind = "remote"
)

// Valid reports whether k names a known runtime variant.
func (k Kind) Valid() bool {
	switch k {
	case KindExecutable, KindDocker, KindFunction, KindRemote:
		return true
	}
	return false
}

// Runtime executes one agent launch. Execute may run arbitrarily long and must
// release every external resource before returning on cancellation.
type Runtime interface {
	Kind() Kind
	Execute(ctx context.Context, rc *RunContext) error
}

// FunctionFunc is the body of an in-process agent.
type FunctionFunc func(ctx context.Context, rc *RunContext) error

// Spec is the per-agent runtime definition resolved from the registry.
type Spec struct {
	Kind     Kind         `json:"kind"`
	Command  []string     `json:"command,omitempty"`
	WorkDir  string       `json:"workdir,omitempty"`
	Image    string       `json:"image,omitempty"`
	Endpoint string       `json:"endpoint,omitempty"`
	Function FunctionFunc `json:"-"`
}

// File is an option materialised on disk for one launch.
type File struct {
	Option   string
	EnvKey   string
	HostPath string
}

// Environment is the materialised configuration handed to a runtime.
type Environment struct {
	Vars  map[string]string
	Files []File
}

// List renders Vars as sorted KEY=VALUE pairs.
func (e Environment) List() []string {
	keys := make([]string, 0, len(e.Vars))
	for k := range e.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, e.Vars[k]))
	}
	return out
}

// RunContext is everything a runtime needs for one launch.
type RunContext struct {
	Namespace string
	SessionID string
	Agent     string
	Spec      Spec
	Env       Environment
	Logger    *logx.Logger
	Events    events.Emitter
	// Handle is the session's object for the launching agent. In-process
	// functions type-assert it to reach threads and waits.
	Handle any
}

// Emit publishes a runtime-level event tagged with the launch's identity.
func (rc *RunContext) Emit(ev events.Event) {
	if rc.Events == nil {
		return
	}
	ev.Namespace = rc.Namespace
	ev.SessionID = rc.SessionID
	ev.Agent = rc.Agent
	rc.Events.Emit(ev)
}

func (rc *RunContext) logger() *logx.Logger {
	if rc.Logger == nil {
		return logx.NewLogger(rc.Agent)
	}
	return rc.Logger
}
