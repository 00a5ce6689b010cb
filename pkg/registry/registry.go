// Package registry resolves agent identifiers to agent definitions: runtimes by
// kind and declared options.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
)

// ErrAgentNotFound is returned when an identifier does not resolve.
var ErrAgentNotFound = errors.New("agent not found in registry")

// Identifier names an agent definition.
type Identifier struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

func (id Identifier) String() string {
	if id.Version == "" {
		return id.Name
	}
	return id.Name + "@" + id.Version
}

// ParseIdentifier parses "name" or "name@version".
func ParseIdentifier(s string) (Identifier, error) {
	name, version, _ := strings.Cut(strings.TrimSpace(s), "@")
	if name == "" {
		return Identifier{}, fmt.Errorf("invalid agent identifier %q", s)
	}
	return Identifier{Name: name, Version: version}, nil
}

// Agent is a resolved agent definition.
type Agent struct {
	ID          Identifier
	Description string
	Runtimes    map[exec.Kind]exec.Spec
	Options     map[string]OptionSpec
}

// Runtime returns the runtime definition for kind.
func (a *Agent) Runtime(kind exec.Kind) (exec.Spec, bool) {
	spec, ok := a.Runtimes[kind]
	if ok {
		spec.Kind = kind
	}
	return spec, ok
}

// Registry resolves agent definitions.
type Registry interface {
	Resolve(ctx context.Context, id Identifier) (*Agent, error)
}

// Memory is an in-process registry.
type Memory struct {
	mu     sync.RWMutex
	agents map[Identifier]*Agent
}

// NewMemory creates a registry holding agents.
func NewMemory(agents ...*Agent) *Memory {
	m := &Memory{agents: make(map[Identifier]*Agent)}
	for _, a := range agents {
		m.Register(a)
	}
	return m
}

// Register adds or replaces a definition.
func (m *Memory) Register(a *Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

// Resolve looks up id. An identifier without a version matches the only
// registered version of that name.
func (m *Memory) Resolve(_ context.Context, id Identifier) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if a, ok := m.agents[id]; ok {
		return a, nil
	}
	if id.Version == "" {
		var match *Agent
		for key, a := range m.agents {
			if key.Name == id.Name {
				if match != nil {
					return nil, fmt.Errorf("agent %s: version required, several are registered", id.Name)
				}
				match = a
			}
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrAgentNotFound)
}

// List returns every registered identifier, sorted.
func (m *Memory) List() []Identifier {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]Identifier, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Chain resolves against each registry in order and returns the first hit.
type Chain []Registry

func (c Chain) Resolve(ctx context.Context, id Identifier) (*Agent, error) {
	for _, r := range c {
		a, err := r.Resolve(ctx, id)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrAgentNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrAgentNotFound)
}
