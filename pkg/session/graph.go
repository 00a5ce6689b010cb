package session

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
)

// AgentGraph describes the agents of a session to be created and how they are
// grouped. Agents sharing a group are linked.
type AgentGraph struct {
	Agents map[string]GraphAgent `yaml:"agents"`
	Groups [][]string            `yaml:"groups"`
}

// GraphAgent is one agent of a graph.
type GraphAgent struct {
	// Agent is the registry identifier, "name" or "name@version".
	Agent    string            `yaml:"agent"`
	Runtime  exec.Kind         `yaml:"runtime"`
	Blocking bool              `yaml:"blocking"`
	Options  map[string]string `yaml:"options"`

	// Values are typed option values; they take precedence over Options.
	Values map[string]registry.Value `yaml:"-"`
}

// ParseGraph decodes a YAML agent graph and validates it.
func ParseGraph(data []byte) (*AgentGraph, error) {
	var g AgentGraph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing agent graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadGraph reads and parses a YAML agent graph file.
func LoadGraph(path string) (*AgentGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent graph: %w", err)
	}
	return ParseGraph(data)
}

// Validate checks the graph's structure without consulting a registry.
func (g *AgentGraph) Validate() error {
	if len(g.Agents) == 0 {
		return fmt.Errorf("agent graph has no agents")
	}
	for name, ga := range g.Agents {
		if name == "" {
			return fmt.Errorf("agent graph has an agent without a name")
		}
		if _, err := registry.ParseIdentifier(ga.Agent); err != nil {
			return fmt.Errorf("agent %s: %w", name, err)
		}
		if !ga.Runtime.Valid() {
			return fmt.Errorf("agent %s: unknown runtime %q", name, ga.Runtime)
		}
	}
	for i, group := range g.Groups {
		for _, member := range group {
			if _, ok := g.Agents[member]; !ok {
				return fmt.Errorf("group %d: unknown agent %q", i+1, member)
			}
		}
	}
	return nil
}

// Names returns the agent names sorted.
func (g *AgentGraph) Names() []string {
	names := make([]string, 0, len(g.Agents))
	for name := range g.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// optionValues converts raw option text using the definition's declared types and
// merges typed values on top.
func (ga GraphAgent) optionValues(def *registry.Agent) (map[string]registry.Value, error) {
	out := make(map[string]registry.Value, len(ga.Options)+len(ga.Values))
	for name, raw := range ga.Options {
		spec, ok := def.Options[name]
		if !ok {
			return nil, fmt.Errorf("agent %s: unknown option %q", def.ID, name)
		}
		v, err := registry.ParseValue(spec.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("agent %s: option %q: %w", def.ID, name, err)
		}
		out[name] = v
	}
	for name, v := range ga.Values {
		out[name] = v
	}
	return def.ResolveOptions(out)
}
