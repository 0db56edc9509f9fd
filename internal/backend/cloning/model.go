package cloning

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
)

// Invocation is one call shape tried against a loaded [Model]. Empty fields
// are omitted from the native call.
type Invocation struct {
	Text       string
	Language   string
	SpeakerWav string
	Speaker    string
}

// Model is a loaded cloning-capable (or plain) neural TTS model.
//
// Implementations must be safe for concurrent use. Their failure modes are
// not reliably typed: any error is treated as "this call shape did not work".
type Model interface {
	// TTSToFile renders inv directly into a WAV file at path.
	TTSToFile(ctx context.Context, inv Invocation, path string) error

	// TTS renders inv into memory.
	TTS(ctx context.Context, inv Invocation) (audio.PCM, error)
}

// SpeakerLister is implemented by models that can enumerate built-in voices.
type SpeakerLister interface {
	Speakers(ctx context.Context) ([]string, error)
}

// ModelInfo is a resolved entry of the model table.
type ModelInfo struct {
	// Key is the table key, e.g. "xtts_v2".
	Key string
	config.CloningModel
}

// Loader builds a Model for info on dev. The returned model is cached by the
// adapter until the device changes or it is reloaded.
type Loader func(ctx context.Context, info ModelInfo, dev resource.Device) (Model, error)

// CoquiLoader returns a [Loader] that reaches each model through a Coqui
// server. serverURL is used for models that do not name their own.
func CoquiLoader(serverURL string, timeout time.Duration) Loader {
	return func(ctx context.Context, info ModelInfo, dev resource.Device) (Model, error) {
		url := info.ServerURL
		if url == "" {
			url = serverURL
		}
		opts := []CoquiOption{WithAPIMode(APIMode(info.APIMode))}
		if timeout > 0 {
			opts = append(opts, WithTimeout(timeout))
		}
		m, err := NewCoquiModel(url, info.ModelPath, dev, opts...)
		if err != nil {
			return nil, err
		}
		if err := m.Ping(ctx); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("cloning: load %s: %w", info.Key, err)
		}
		return m, nil
	}
}
