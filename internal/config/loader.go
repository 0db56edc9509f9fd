package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.JobRetention < 0 {
		errs = append(errs, fmt.Errorf("server.job_retention %s must not be negative", cfg.Server.JobRetention))
	}

	switch cfg.Device.Mode {
	case "", "auto", "cpu", "cuda":
	default:
		errs = append(errs, fmt.Errorf("device.mode %q is invalid; valid values: auto, cpu, cuda", cfg.Device.Mode))
	}
	if cfg.Cache.Capacity < 0 {
		errs = append(errs, fmt.Errorf("cache.capacity %d must not be negative", cfg.Cache.Capacity))
	}
	if ch := cfg.Output.Channels; ch != 0 && ch != 1 && ch != 2 {
		errs = append(errs, fmt.Errorf("output.channels %d is invalid; valid values: 1, 2", ch))
	}
	if cfg.Output.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("output.sample_rate %d must not be negative", cfg.Output.SampleRate))
	}

	b := cfg.Backends
	if b.Cloning == nil && b.Lightweight == nil && b.Generative == nil && b.Hosted == nil {
		slog.Warn("no synthesis backend is enabled; every synthesis request will fail")
	}
	if c := b.Cloning; c != nil {
		errs = append(errs, validateCloning(c)...)
	}
	if g := b.Generative; g != nil {
		errs = append(errs, validateURL("backends.generative.server_url", g.ServerURL, true))
	}
	if h := b.Hosted; h != nil {
		errs = append(errs, validateURL("backends.hosted.base_url", h.BaseURL, true))
		labels := make(map[string]int, len(h.Credentials))
		for i, src := range h.Credentials {
			prefix := fmt.Sprintf("backends.hosted.credentials[%d]", i)
			if src.Label == "" {
				errs = append(errs, fmt.Errorf("%s.label is required", prefix))
			} else if prev, ok := labels[src.Label]; ok {
				errs = append(errs, fmt.Errorf("%s.label %q is a duplicate of credentials[%d]", prefix, src.Label, prev))
			} else {
				labels[src.Label] = i
			}
			if src.Env == "" {
				errs = append(errs, fmt.Errorf("%s.env is required", prefix))
			}
		}
		if h.DefaultModel != "" && len(h.Models) > 0 && !slices.Contains(h.Models, h.DefaultModel) {
			slog.Warn("hosted default model is not in the advertised model list",
				"default_model", h.DefaultModel, "models", h.Models)
		}
	}

	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

func validateCloning(c *CloningConfig) []error {
	var errs []error
	if err := validateURL("backends.cloning.server_url", c.ServerURL, false); err != nil {
		errs = append(errs, err)
	}
	enabled := 0
	for _, key := range slices.Sorted(maps.Keys(c.Models)) {
		m := c.Models[key]
		prefix := fmt.Sprintf("backends.cloning.models[%s]", key)
		if m.ModelPath == "" {
			errs = append(errs, fmt.Errorf("%s.model_path is required", prefix))
		}
		if m.Type != "" && !m.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: xtts, standard, multispeaker, fast", prefix, m.Type))
		}
		if m.APIMode != "" && m.APIMode != "xtts" && m.APIMode != "standard" {
			errs = append(errs, fmt.Errorf("%s.api_mode %q is invalid; valid values: xtts, standard", prefix, m.APIMode))
		}
		if m.ServerURL == "" && c.ServerURL == "" {
			errs = append(errs, fmt.Errorf("%s has no server_url and backends.cloning.server_url is empty", prefix))
		} else if m.ServerURL != "" {
			if err := validateURL(prefix+".server_url", m.ServerURL, false); err != nil {
				errs = append(errs, err)
			}
		}
		if len(m.Languages) == 0 {
			slog.Warn("cloning model declares no languages; every request will log a language warning", "model", key)
		}
		if m.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("backends.cloning.models has no enabled model"))
	} else if m, ok := c.Models[c.DefaultModel]; !ok || !m.IsEnabled() {
		// Requests for unknown models fall back to the default; a missing
		// default turns every such request into a configuration error.
		slog.Warn("cloning default model is not an enabled model table entry", "default_model", c.DefaultModel)
	}
	return errs
}

// validateURL checks that raw is an absolute http(s) URL. Empty values are
// an error only when required is set.
func validateURL(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}
