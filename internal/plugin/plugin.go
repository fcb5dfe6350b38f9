// Package plugin lets externally authored processors register under a name
// so the config can place them into the chain.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/config"
)

// Factory builds a processor from the proxy config.
type Factory func(cfg *config.Config) (chain.Processor, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a plugin available by name. It panics on duplicates, the
// same way database/sql drivers do.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("plugin: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("plugin: Register called twice for " + name)
	}
	registry[name] = f
}

// Names lists registered plugins.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Splice inserts the configured plugins into c. Pre-phase plugins never
// precede the first processor, which classifies the request.
func Splice(c *chain.Chain, cfg *config.Config) error {
	for _, p := range cfg.Plugins {
		factory, ok := lookup(p.Name)
		if !ok {
			return fmt.Errorf("plugin %s is not registered", p.Name)
		}
		proc, err := factory(cfg)
		if err != nil {
			return fmt.Errorf("load plugin %s: %w", p.Name, err)
		}
		switch p.Phase {
		case config.PhasePre:
			pos := p.Position
			if pos < 1 {
				pos = 1
			}
			c.Pre = chain.Insert(c.Pre, proc, pos)
		case config.PhasePush:
			c.Push = chain.Insert(c.Push, proc, p.Position)
		default:
			return fmt.Errorf("plugin %s has unknown phase %q", p.Name, p.Phase)
		}
		log.WithFields(log.Fields{"plugin": p.Name, "phase": p.Phase, "position": p.Position}).Info("plugin loaded")
	}
	return nil
}
