// Package mock provides a test double for the cloning.Model interface.
//
// Failures are configured per call shape, so a test can make the primary
// invocation fail and observe the cascade falling through:
//
//	m := &mock.Model{
//	    ToFileErr: errors.New("unexpected keyword speaker_wav"),
//	    PCM:       audio.FromInt16(samples, 22050, 1),
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/polyvox/internal/backend/cloning"
	"github.com/MrWong99/polyvox/pkg/audio"
)

// Call records one invocation of the model.
type Call struct {
	// Method is "TTSToFile" or "TTS".
	Method string
	// Inv is the invocation passed to the method.
	Inv cloning.Invocation
	// Path is the output path for TTSToFile, empty for TTS.
	Path string
}

// Model is a mock implementation of cloning.Model and cloning.SpeakerLister.
type Model struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// PCM is returned by TTS and written by TTSToFile on success. A zero
	// value is replaced with a short 22.05 kHz mono buffer.
	PCM audio.PCM

	// ToFileErr, if non-nil, is returned by every TTSToFile call.
	ToFileErr error

	// TTSErr, if non-nil, is returned by every TTS call.
	TTSErr error

	// FailWhen, if set, is consulted before each call; a non-nil result is
	// returned as the call's error. It takes precedence over ToFileErr and
	// TTSErr.
	FailWhen func(method string, inv cloning.Invocation) error

	// SkipWrite makes TTSToFile report success without writing anything.
	SkipWrite bool

	// SpeakersResult is returned by Speakers.
	SpeakersResult []string

	// --- Call records ---

	// Calls records every invocation in order.
	Calls []Call

	// Closed is set by Close.
	Closed bool
}

var (
	_ cloning.Model         = (*Model)(nil)
	_ cloning.SpeakerLister = (*Model)(nil)
)

func (m *Model) pcm() audio.PCM {
	if m.PCM.SampleRate == 0 {
		return audio.FromInt16([]int16{0, 1200, -1200, 600, -600, 0}, 22050, 1)
	}
	return m.PCM
}

// TTSToFile implements cloning.Model.
func (m *Model) TTSToFile(_ context.Context, inv cloning.Invocation, path string) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, Call{Method: "TTSToFile", Inv: inv, Path: path})
	failWhen, err, skip, pcm := m.FailWhen, m.ToFileErr, m.SkipWrite, m.pcm()
	m.mu.Unlock()

	if failWhen != nil {
		err = failWhen("TTSToFile", inv)
	}
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	return audio.WriteWAV(path, pcm)
}

// TTS implements cloning.Model.
func (m *Model) TTS(_ context.Context, inv cloning.Invocation) (audio.PCM, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, Call{Method: "TTS", Inv: inv})
	failWhen, err, pcm := m.FailWhen, m.TTSErr, m.pcm()
	m.mu.Unlock()

	if failWhen != nil {
		err = failWhen("TTS", inv)
	}
	if err != nil {
		return audio.PCM{}, err
	}
	return pcm, nil
}

// Speakers implements cloning.SpeakerLister.
func (m *Model) Speakers(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SpeakersResult, nil
}

// Close marks the model closed.
func (m *Model) Close() error {
	m.mu.Lock()
	m.Closed = true
	m.mu.Unlock()
	return nil
}

// CallsSnapshot returns a copy of the recorded calls.
func (m *Model) CallsSnapshot() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.Calls...)
}

// Reset clears all recorded calls.
func (m *Model) Reset() {
	m.mu.Lock()
	m.Calls = nil
	m.mu.Unlock()
}
