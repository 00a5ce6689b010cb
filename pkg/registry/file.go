package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
)

type fileDoc struct {
	Agents []fileAgent `toml:"agent"`
}

type fileAgent struct {
	Name        string                 `toml:"name"`
	Version     string                 `toml:"version"`
	Description string                 `toml:"description"`
	Runtimes    map[string]fileRuntime `toml:"runtimes"`
	Options     map[string]fileOption  `toml:"options"`
}

type fileRuntime struct {
	Command  []string `toml:"command"`
	WorkDir  string   `toml:"workdir"`
	Image    string   `toml:"image"`
	Endpoint string   `toml:"endpoint"`
	Function string   `toml:"function"`
}

type fileOption struct {
	Type      string  `toml:"type"`
	Transport string  `toml:"transport"`
	Required  bool    `toml:"required"`
	Secret    bool    `toml:"secret"`
	Default   *string `toml:"default"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Parse decodes a TOML registry document. Function runtimes refer to entries of
// functions by name.
func Parse(data []byte, functions map[string]exec.FunctionFunc) ([]*Agent, error) {
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})

	var doc fileDoc
	if _, err := toml.Decode(expanded, &doc); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}

	agents := make([]*Agent, 0, len(doc.Agents))
	seen := make(map[Identifier]bool)
	for i, fa := range doc.Agents {
		a, err := fa.toAgent(functions)
		if err != nil {
			return nil, fmt.Errorf("agent #%d: %w", i+1, err)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agent %s declared twice", a.ID)
		}
		seen[a.ID] = true
		agents = append(agents, a)
	}
	return agents, nil
}

func (fa fileAgent) toAgent(functions map[string]exec.FunctionFunc) (*Agent, error) {
	if fa.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	a := &Agent{
		ID:          Identifier{Name: fa.Name, Version: fa.Version},
		Description: fa.Description,
		Runtimes:    make(map[exec.Kind]exec.Spec, len(fa.Runtimes)),
		Options:     make(map[string]OptionSpec, len(fa.Options)),
	}
	if len(fa.Runtimes) == 0 {
		return nil, fmt.Errorf("agent %s: at least one runtime is required", a.ID)
	}

	for kindName, fr := range fa.Runtimes {
		kind := exec.Kind(kindName)
		spec := exec.Spec{Kind: kind, Command: fr.Command, WorkDir: fr.WorkDir, Image: fr.Image, Endpoint: fr.Endpoint}
		switch kind {
		case exec.KindExecutable:
			if len(fr.Command) == 0 {
				return nil, fmt.Errorf("agent %s: executable runtime needs a command", a.ID)
			}
		case exec.KindDocker:
			if fr.Image == "" {
				return nil, fmt.Errorf("agent %s: docker runtime needs an image", a.ID)
			}
		case exec.KindFunction:
			fn, ok := functions[fr.Function]
			if !ok {
				return nil, fmt.Errorf("agent %s: unknown function %q", a.ID, fr.Function)
			}
			spec.Function = fn
		case exec.KindRemote:
		default:
			return nil, fmt.Errorf("agent %s: unknown runtime kind %q", a.ID, kindName)
		}
		a.Runtimes[kind] = spec
	}

	for name, fo := range fa.Options {
		spec := OptionSpec{
			Type:      OptionType(fo.Type),
			Transport: Transport(fo.Transport),
			Required:  fo.Required,
			Secret:    fo.Secret,
		}
		if spec.Type == "" {
			spec.Type = TypeString
		}
		if spec.Transport == "" {
			spec.Transport = TransportEnv
		}
		if spec.Transport != TransportEnv && spec.Transport != TransportFS {
			return nil, fmt.Errorf("agent %s: option %q has unknown transport %q", a.ID, name, fo.Transport)
		}
		if fo.Default != nil {
			v, err := ParseValue(spec.Type, *fo.Default)
			if err != nil {
				return nil, fmt.Errorf("agent %s: option %q default: %w", a.ID, name, err)
			}
			spec.Default = &v
		}
		a.Options[name] = spec
	}
	return a, nil
}

// File is a registry backed by a TOML file that can be reloaded on change.
type File struct {
	path      string
	functions map[string]exec.FunctionFunc
	logger    *logx.Logger

	mu  sync.RWMutex
	mem *Memory
}

// LoadFile reads the registry at path.
func LoadFile(path string, functions map[string]exec.FunctionFunc) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving registry path: %w", err)
	}
	f := &File{
		path:      abs,
		functions: functions,
		logger:    logx.NewLogger("registry"),
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file. On error the previous definitions stay in place.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading registry file: %w", err)
	}
	agents, err := Parse(data, f.functions)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.mem = NewMemory(agents...)
	f.mu.Unlock()

	f.logger.Info("Loaded %d agent definitions from %s", len(agents), f.path)
	return nil
}

// Resolve looks up id in the current definitions.
func (f *File) Resolve(ctx context.Context, id Identifier) (*Agent, error) {
	f.mu.RLock()
	mem := f.mem
	f.mu.RUnlock()
	return mem.Resolve(ctx, id)
}

// List returns the identifiers currently loaded.
func (f *File) List() []Identifier {
	f.mu.RLock()
	mem := f.mem
	f.mu.RUnlock()
	return mem.List()
}

// Watch reloads the file whenever it changes, until ctx is done.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating registry watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(f.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if err := f.Reload(); err != nil {
				f.logger.Warn("Registry reload failed, keeping previous definitions: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("Registry watcher error: %v", err)
		}
	}
}

// Describe renders a definition for CLI listings.
func Describe(a *Agent) string {
	kinds := make([]string, 0, len(a.Runtimes))
	for k := range a.Runtimes {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return fmt.Sprintf("%s [%s] options=%d", a.ID, strings.Join(kinds, ","), len(a.Options))
}
