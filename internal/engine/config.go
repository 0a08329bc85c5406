package engine

import "time"

// DefaultOpTimeout bounds every persistence-touching facade call.
const DefaultOpTimeout = 3 * time.Second

// Config carries the module catalog and operational knobs. It is loaded once
// at start and never mutated at runtime.
type Config struct {
	// Modules is the catalog of requestable module identifiers.
	Modules []string
	// AlwaysOnModules are available to every organization without a license.
	// Must be a subset of Modules.
	AlwaysOnModules []string
	// OpTimeout bounds each facade operation. Zero means DefaultOpTimeout.
	OpTimeout time.Duration
}

// DefaultConfig returns the standard platform catalog.
func DefaultConfig() Config {
	return Config{
		Modules: []string{
			"risk-analysis",
			"business-impact",
			"incident-management",
			"document-vault",
			"dashboard",
		},
		AlwaysOnModules: []string{"dashboard"},
		OpTimeout:       DefaultOpTimeout,
	}
}

func (c Config) knownModule(moduleID string) bool {
	for _, m := range c.Modules {
		if m == moduleID {
			return true
		}
	}
	return false
}

func (c Config) timeout() time.Duration {
	if c.OpTimeout > 0 {
		return c.OpTimeout
	}
	return DefaultOpTimeout
}
