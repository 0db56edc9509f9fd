package hosted

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/pkg/synth"
)

// ErrCredentialMissing is wrapped by errors for operations that need a
// credential when neither an explicit nor a cached one exists.
var ErrCredentialMissing = errors.New("hosted: no credential")

// CredentialValidator probes candidate credentials and remembers the last
// one that worked, so later calls may omit it.
type CredentialValidator struct {
	client  *Client
	metrics *observe.Metrics

	mu          sync.RWMutex
	last        string
	validatedAt time.Time
}

// NewCredentialValidator creates a validator probing through client.
// metrics may be nil.
func NewCredentialValidator(client *Client, metrics *observe.Metrics) *CredentialValidator {
	return &CredentialValidator{client: client, metrics: metrics}
}

// Validate returns candidate unchanged if the service accepts it and ""
// otherwise. Transport errors, rejections and blank input all yield "". A
// valid candidate becomes the cached credential.
func (v *CredentialValidator) Validate(ctx context.Context, candidate string) string {
	if strings.TrimSpace(candidate) == "" {
		v.record(ctx, "empty")
		return ""
	}
	if _, err := v.client.Models(ctx, candidate); err != nil {
		outcome := "error"
		if synth.KindOf(err) == synth.KindRemoteAuth {
			outcome = "rejected"
		}
		slog.WarnContext(ctx, "credential validation failed", "outcome", outcome, "err", err)
		v.record(ctx, outcome)
		return ""
	}
	v.mu.Lock()
	v.last = candidate
	v.validatedAt = time.Now()
	v.mu.Unlock()
	v.record(ctx, "valid")
	slog.InfoContext(ctx, "credential validated")
	return candidate
}

// Last returns the cached credential and when it was validated.
func (v *CredentialValidator) Last() (string, time.Time) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.last, v.validatedAt
}

// Invalidate forgets the cached credential. It is a no-op unless key is the
// cached one, or key is empty.
func (v *CredentialValidator) Invalidate(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if key == "" || key == v.last {
		v.last = ""
		v.validatedAt = time.Time{}
	}
}

// Resolve returns explicit, or the cached credential when explicit is
// empty. With neither it fails with [synth.KindResourceUnavailable] without
// touching the network.
func (v *CredentialValidator) Resolve(explicit string) (string, error) {
	if k := strings.TrimSpace(explicit); k != "" {
		return k, nil
	}
	if k, _ := v.Last(); k != "" {
		return k, nil
	}
	return "", &synth.Error{
		Kind:    synth.KindResourceUnavailable,
		Backend: synth.BackendHosted,
		Msg:     "API key is required for ElevenLabs.",
		Err:     ErrCredentialMissing,
	}
}

func (v *CredentialValidator) record(ctx context.Context, outcome string) {
	if v.metrics != nil {
		v.metrics.RecordCredentialValidation(ctx, outcome)
	}
}
