package module

import (
	"strings"
	"sync"
)

// Catalog holds the bundled apps and the rule apps. It is populated once at
// startup and read by every registry created afterwards.
type Catalog struct {
	mu      sync.RWMutex
	bundled []*Module
	rules   []*Module
}

func NewCatalog() *Catalog {
	return &Catalog{}
}

// DefaultCatalog returns a catalog holding the apps shipped in the binary.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.RegisterBuiltIn(Bundled("camera", false))
	c.RegisterBuiltIn(Bundled("overlay", false))
	c.RegisterBuiltIn(Bundled("event_test", false))
	c.RegisterBuiltIn(Bundled("stats_test", false))
	c.RegisterBuiltIn(Bundled("math", false))
	c.RegisterBuiltIn(Bundled("shapes", true))
	c.RegisterBuiltIn(Bundled("draw_beta", false))
	c.RegisterBuiltIn(Bundled("distance_beta", false))
	c.RegisterRuleApp(Bundled("welcome", false))
	return c
}

// RegisterBuiltIn makes m available to ordinary loading.
func (c *Catalog) RegisterBuiltIn(m *Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundled = append(c.bundled, m)
}

// RegisterRuleApp makes m available to rule toggles only.
func (c *Catalog) RegisterRuleApp(m *Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, m)
}

// Bundled returns the first bundled module named name that is runnable, or
// a library if allowLibraries.
func (c *Catalog) Bundled(name string, allowLibraries bool) (*Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.bundled {
		if strings.EqualFold(m.name, name) && (allowLibraries || !m.library) {
			return m, true
		}
	}
	return nil, false
}

func (c *Catalog) Rule(name string) (*Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.rules {
		if strings.EqualFold(m.name, name) {
			return m, true
		}
	}
	return nil, false
}

// BuiltInNames returns the runnable bundled apps that aren't in beta.
func (c *Catalog) BuiltInNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := []string{}
	for _, m := range c.bundled {
		if !m.library && !m.beta() {
			result = append(result, m.name)
		}
	}
	return result
}

func (c *Catalog) RuleNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]string, 0, len(c.rules))
	for _, m := range c.rules {
		result = append(result, m.name)
	}
	return result
}
