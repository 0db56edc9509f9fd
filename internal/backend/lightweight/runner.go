package lightweight

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Runner renders text with a loaded voice and streams raw PCM, in the
// voice's declared format, to w.
type Runner interface {
	Run(ctx context.Context, v *Voice, text string, w io.Writer) error
}

// PiperRunner runs the piper executable once per request.
type PiperRunner struct {
	// Binary is the executable name or path. Defaults to "piper".
	Binary string
	// Args are appended to the generated arguments.
	Args []string
}

var _ Runner = (*PiperRunner)(nil)

func (p *PiperRunner) binary() string {
	if p == nil || p.Binary == "" {
		return "piper"
	}
	return p.Binary
}

// Available resolves the executable on PATH.
func (p *PiperRunner) Available() error {
	if _, err := exec.LookPath(p.binary()); err != nil {
		return fmt.Errorf("lightweight: piper not available: %w", err)
	}
	return nil
}

// Run feeds text on stdin and copies piper's raw output into w.
func (p *PiperRunner) Run(ctx context.Context, v *Voice, text string, w io.Writer) error {
	args := []string{"--model", v.ModelPath, "--config", v.ConfigPath, "--output-raw"}
	args = append(args, p.Args...)

	cmd := exec.CommandContext(ctx, p.binary(), args...)
	cmd.Stdin = strings.NewReader(text + "\n")
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("lightweight: piper interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("lightweight: piper failed: %w, stderr: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// lastLine returns the last non-empty line of s; piper logs progress before
// the actual error.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
