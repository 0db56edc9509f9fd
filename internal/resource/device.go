package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Device identifies a compute device a resource is bound to, e.g. "cpu" or
// "cuda:0".
type Device string

// CPU is the fallback compute device.
const CPU Device = "cpu"

// Accelerated reports whether d is anything other than the CPU.
func (d Device) Accelerated() bool { return d != "" && d != CPU }

// String implements fmt.Stringer.
func (d Device) String() string { return string(d) }

// Selector decides the compute device for a resource load. It is consulted on
// every cache lookup; a changed answer invalidates cached entries.
type Selector interface {
	Select(ctx context.Context) Device
}

// Capability is a CUDA compute capability (major.minor).
type Capability struct {
	Major int
	Minor int
}

// String returns "major.minor".
func (c Capability) String() string { return fmt.Sprintf("%d.%d", c.Major, c.Minor) }

// CapabilityReporter is implemented by selectors that can report the compute
// capability of an accelerator.
type CapabilityReporter interface {
	Capability(ctx context.Context, d Device) (Capability, error)
}

// Static is a Selector that always returns the same device.
type Static Device

// Select implements [Selector].
func (s Static) Select(context.Context) Device { return Device(s) }

// SelectorFunc adapts a function to the [Selector] interface.
type SelectorFunc func(ctx context.Context) Device

// Select implements [Selector].
func (f SelectorFunc) Select(ctx context.Context) Device { return f(ctx) }

// Mode is the configured device policy.
type Mode string

const (
	// ModeAuto uses the first visible accelerator and falls back to the CPU.
	ModeAuto Mode = "auto"
	// ModeCPU always uses the CPU.
	ModeCPU Mode = "cpu"
	// ModeCUDA requires an accelerator; the CPU is used with a warning when
	// none is found.
	ModeCUDA Mode = "cuda"
)

// Accelerator describes one probed GPU.
type Accelerator struct {
	Device     Device
	Name       string
	Capability Capability
}

// Probe enumerates the accelerators visible to the process.
type Probe func(ctx context.Context) ([]Accelerator, error)

// ErrNoAccelerator is returned by [AutoSelector.Capability] for devices that
// were not found by the probe.
var ErrNoAccelerator = errors.New("resource: no such accelerator")

// AutoSelector chooses between the first visible accelerator and the CPU. The
// probe result is cached for the refresh interval so that a driver appearing
// or disappearing is eventually noticed without probing on every call.
type AutoSelector struct {
	mode    Mode
	probe   Probe
	refresh time.Duration
	lookup  func(string) (string, bool)

	mu       sync.Mutex
	probedAt time.Time
	accels   []Accelerator
}

// AutoOption configures an [AutoSelector].
type AutoOption func(*AutoSelector)

// WithProbe replaces the default nvidia-smi probe.
func WithProbe(p Probe) AutoOption {
	return func(s *AutoSelector) { s.probe = p }
}

// WithRefresh sets how long a probe result is reused. Zero probes once per
// process.
func WithRefresh(d time.Duration) AutoOption {
	return func(s *AutoSelector) { s.refresh = d }
}

// WithEnv replaces os.LookupEnv, for tests.
func WithEnv(lookup func(string) (string, bool)) AutoOption {
	return func(s *AutoSelector) { s.lookup = lookup }
}

// NewAutoSelector creates a selector for mode. An empty mode means ModeAuto.
func NewAutoSelector(mode Mode, opts ...AutoOption) (*AutoSelector, error) {
	switch mode {
	case "":
		mode = ModeAuto
	case ModeAuto, ModeCPU, ModeCUDA:
	default:
		return nil, fmt.Errorf("resource: unknown device mode %q", mode)
	}
	s := &AutoSelector{
		mode:   mode,
		probe:  NvidiaSMI("nvidia-smi"),
		lookup: os.LookupEnv,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Compile-time interface assertions.
var (
	_ Selector           = (*AutoSelector)(nil)
	_ CapabilityReporter = (*AutoSelector)(nil)
)

// Select implements [Selector].
func (s *AutoSelector) Select(ctx context.Context) Device {
	if s.mode == ModeCPU {
		return CPU
	}
	accels := s.accelerators(ctx)
	if len(accels) == 0 {
		if s.mode == ModeCUDA {
			slog.WarnContext(ctx, "device mode is cuda but no accelerator is visible, using cpu")
		}
		return CPU
	}
	return accels[0].Device
}

// Capability returns the compute capability of d.
func (s *AutoSelector) Capability(ctx context.Context, d Device) (Capability, error) {
	for _, a := range s.accelerators(ctx) {
		if a.Device == d {
			return a.Capability, nil
		}
	}
	return Capability{}, fmt.Errorf("%w: %s", ErrNoAccelerator, d)
}

func (s *AutoSelector) accelerators(ctx context.Context) []Accelerator {
	if v, ok := s.lookup("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v == "" || v == "-1" {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.probedAt.IsZero() && (s.refresh == 0 || time.Since(s.probedAt) < s.refresh) {
		return s.accels
	}
	accels, err := s.probe(ctx)
	if err != nil {
		slog.DebugContext(ctx, "accelerator probe failed, assuming none", "err", err)
		accels = nil
	}
	if len(accels) != len(s.accels) {
		slog.InfoContext(ctx, "accelerators changed", "count", len(accels))
	}
	s.accels = accels
	s.probedAt = time.Now()
	return accels
}

// NvidiaSMI returns a Probe that queries the nvidia-smi executable.
func NvidiaSMI(binary string) Probe {
	return func(ctx context.Context) ([]Accelerator, error) {
		bin, err := exec.LookPath(binary)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, bin,
			"--query-gpu=index,name,compute_cap",
			"--format=csv,noheader,nounits",
		)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("nvidia-smi: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
		}
		return ParseNvidiaSMI(stdout.String())
	}
}

// ParseNvidiaSMI parses "index, name, compute_cap" CSV rows.
func ParseNvidiaSMI(out string) ([]Accelerator, error) {
	var accels []Accelerator
	for line := range strings.Lines(out) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("nvidia-smi: unexpected row %q", line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi: bad index in %q: %w", line, err)
		}
		capStr := strings.TrimSpace(fields[len(fields)-1])
		name := strings.TrimSpace(strings.Join(fields[1:len(fields)-1], ","))
		c, err := parseCapability(capStr)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi: %w", err)
		}
		accels = append(accels, Accelerator{
			Device:     Device(fmt.Sprintf("cuda:%d", idx)),
			Name:       name,
			Capability: c,
		})
	}
	return accels, nil
}

func parseCapability(s string) (Capability, error) {
	major, minor, _ := strings.Cut(s, ".")
	var c Capability
	var err error
	if c.Major, err = strconv.Atoi(major); err != nil {
		return Capability{}, fmt.Errorf("bad compute capability %q", s)
	}
	if minor != "" {
		if c.Minor, err = strconv.Atoi(minor); err != nil {
			return Capability{}, fmt.Errorf("bad compute capability %q", s)
		}
	}
	return c, nil
}
