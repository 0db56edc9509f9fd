package config

import (
	"maps"
	"reflect"
	"slices"

	"github.com/MrWong99/polyvox/pkg/synth"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; listener, TLS,
// device and cache settings require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Backends lists the backend keys whose configuration changed, including
	// backends that were enabled or disabled.
	Backends []BackendDiff

	// RestartRequired is set when a non-reloadable field changed.
	RestartRequired bool
}

// BackendDiff describes the change of a single backend.
type BackendDiff struct {
	Key     string
	Added   bool
	Removed bool

	// ModelsChanged lists cloning model table keys that were added, removed
	// or modified.
	ModelsChanged []string
}

// Changed reports whether anything reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.Backends) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		old.Device != new.Device ||
		old.Cache != new.Cache ||
		old.MCP != new.MCP {
		d.RestartRequired = true
	}

	if bd, ok := diffCloning(old.Backends.Cloning, new.Backends.Cloning); ok {
		d.Backends = append(d.Backends, bd)
	}
	if bd, ok := diffBackend(synth.BackendLightweight, old.Backends.Lightweight, new.Backends.Lightweight); ok {
		d.Backends = append(d.Backends, bd)
	}
	if bd, ok := diffBackend(synth.BackendGenerative, old.Backends.Generative, new.Backends.Generative); ok {
		d.Backends = append(d.Backends, bd)
	}
	if bd, ok := diffBackend(synth.BackendHosted, old.Backends.Hosted, new.Backends.Hosted); ok {
		d.Backends = append(d.Backends, bd)
	}
	// Output settings feed every adapter's writer.
	if old.Output != new.Output {
		for _, key := range []string{synth.BackendCloning, synth.BackendLightweight, synth.BackendGenerative, synth.BackendHosted} {
			if !slices.ContainsFunc(d.Backends, func(b BackendDiff) bool { return b.Key == key }) && enabled(new, key) {
				d.Backends = append(d.Backends, BackendDiff{Key: key})
			}
		}
	}
	return d
}

func diffBackend[T any](key string, old, new *T) (BackendDiff, bool) {
	switch {
	case old == nil && new == nil:
		return BackendDiff{}, false
	case old == nil:
		return BackendDiff{Key: key, Added: true}, true
	case new == nil:
		return BackendDiff{Key: key, Removed: true}, true
	case !reflect.DeepEqual(*old, *new):
		return BackendDiff{Key: key}, true
	}
	return BackendDiff{}, false
}

func diffCloning(old, new *CloningConfig) (BackendDiff, bool) {
	bd, ok := diffBackend(synth.BackendCloning, old, new)
	if !ok || bd.Added || bd.Removed {
		return bd, ok
	}
	keys := make(map[string]struct{})
	for k := range maps.Keys(old.Models) {
		keys[k] = struct{}{}
	}
	for k := range maps.Keys(new.Models) {
		keys[k] = struct{}{}
	}
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		om, inOld := old.Models[k]
		nm, inNew := new.Models[k]
		if inOld != inNew || !reflect.DeepEqual(om, nm) {
			bd.ModelsChanged = append(bd.ModelsChanged, k)
		}
	}
	return bd, true
}

func enabled(cfg *Config, key string) bool {
	switch key {
	case synth.BackendCloning:
		return cfg.Backends.Cloning != nil
	case synth.BackendLightweight:
		return cfg.Backends.Lightweight != nil
	case synth.BackendGenerative:
		return cfg.Backends.Generative != nil
	case synth.BackendHosted:
		return cfg.Backends.Hosted != nil
	}
	return false
}
