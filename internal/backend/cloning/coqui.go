package cloning

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
)

const (
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	cloneSpeakerEndpoint   = "/clone_speaker"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// maxErrorBody bounds how much of an error response is quoted.
	maxErrorBody = 512
)

// APIMode selects which Coqui server API a [CoquiModel] targets.
type APIMode string

const (
	// APIModeXTTS targets the XTTS v2 API server (POST /tts_to_audio/). It
	// supports reference-audio cloning through POST /clone_speaker.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (GET /api/tts).
	// Reference audio is not supported.
	APIModeStandard APIMode = "standard"
)

// ErrReferenceUnsupported is returned by [CoquiModel] when reference audio is
// requested from a standard-mode server.
var ErrReferenceUnsupported = errors.New("cloning: reference audio requires the xtts API mode")

// CoquiOption configures a [CoquiModel].
type CoquiOption func(*CoquiModel)

// WithAPIMode sets the server API mode. The default is APIModeXTTS.
func WithAPIMode(mode APIMode) CoquiOption {
	return func(m *CoquiModel) { m.mode = mode }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) CoquiOption {
	return func(m *CoquiModel) { m.http.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) CoquiOption {
	return func(m *CoquiModel) { m.http = c }
}

// CoquiModel is a loaded cloning model served by a Coqui TTS or XTTS HTTP
// server. It is safe for concurrent use.
type CoquiModel struct {
	serverURL string
	modelPath string
	device    resource.Device
	mode      APIMode
	http      *http.Client

	// cloned maps the sha256 of uploaded reference samples to the speaker
	// the server registered; order holds the digests oldest first.
	mu     sync.Mutex
	cloned map[[sha256.Size]byte]string
	order  [][sha256.Size]byte
}

// maxClonedSpeakers bounds the clone memo of one model. Every upload lands
// in a fresh temp file, so the memo would otherwise grow without bound.
const maxClonedSpeakers = 64

var (
	_ Model         = (*CoquiModel)(nil)
	_ SpeakerLister = (*CoquiModel)(nil)
	_ io.Closer     = (*CoquiModel)(nil)
)

// NewCoquiModel creates a model handle for modelPath served at serverURL.
// It performs no I/O; call [CoquiModel.Ping] to verify the server.
func NewCoquiModel(serverURL, modelPath string, dev resource.Device, opts ...CoquiOption) (*CoquiModel, error) {
	if serverURL == "" {
		return nil, errors.New("cloning: serverURL must not be empty")
	}
	m := &CoquiModel{
		serverURL: strings.TrimRight(serverURL, "/"),
		modelPath: modelPath,
		device:    dev,
		mode:      APIModeXTTS,
		http:      &http.Client{Timeout: 5 * time.Minute},
		cloned:    make(map[[sha256.Size]byte]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is nil for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// cloneSpeakerResponse is the JSON body returned by POST /clone_speaker.
type cloneSpeakerResponse struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/.
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Ping checks that the server answers its catalog endpoint. It is used as the
// resource load step.
func (m *CoquiModel) Ping(ctx context.Context) error {
	endpoint := studioSpeakersEndpoint
	if m.mode == APIModeStandard {
		endpoint = detailsEndpoint
	}
	body, err := m.get(ctx, endpoint, nil, "application/json")
	if err != nil {
		return err
	}
	if m.mode == APIModeStandard {
		var d detailsResponse
		if err := json.Unmarshal(body, &d); err == nil && d.ModelName != "" && m.modelPath != "" && d.ModelName != m.modelPath {
			slog.WarnContext(ctx, "cloning server serves a different model than configured",
				"server", m.serverURL, "served", d.ModelName, "configured", m.modelPath)
		}
	}
	slog.InfoContext(ctx, "cloning model server ready",
		"server", m.serverURL, "model", m.modelPath, "mode", m.mode, "device", m.device)
	return nil
}

// TTSToFile renders inv and writes the server's WAV response to path.
func (m *CoquiModel) TTSToFile(ctx context.Context, inv Invocation, path string) error {
	wav, err := m.synthesize(ctx, inv)
	if err != nil {
		return err
	}
	if _, err := audio.ParseWAV(wav); err != nil {
		return fmt.Errorf("cloning: server returned unusable audio: %w", err)
	}
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return fmt.Errorf("cloning: write %s: %w", path, err)
	}
	return nil
}

// TTS renders inv into memory.
func (m *CoquiModel) TTS(ctx context.Context, inv Invocation) (audio.PCM, error) {
	wav, err := m.synthesize(ctx, inv)
	if err != nil {
		return audio.PCM{}, err
	}
	pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return audio.PCM{}, fmt.Errorf("cloning: server returned unusable audio: %w", err)
	}
	return pcm, nil
}

func (m *CoquiModel) synthesize(ctx context.Context, inv Invocation) ([]byte, error) {
	if m.mode == APIModeStandard {
		return m.synthesizeStandard(ctx, inv)
	}
	return m.synthesizeXTTS(ctx, inv)
}

// synthesizeXTTS performs a single POST /tts_to_audio/ call.
func (m *CoquiModel) synthesizeXTTS(ctx context.Context, inv Invocation) ([]byte, error) {
	speaker := inv.Speaker
	if inv.SpeakerWav != "" {
		name, err := m.cloneSpeaker(ctx, inv.SpeakerWav)
		if err != nil {
			return nil, err
		}
		speaker = name
	}
	data, err := json.Marshal(ttsRequest{Text: inv.Text, SpeakerWav: speaker, Language: inv.Language})
	if err != nil {
		return nil, fmt.Errorf("cloning: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cloning: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	return m.do(req, ttsEndpoint)
}

// synthesizeStandard performs a single GET /api/tts call.
func (m *CoquiModel) synthesizeStandard(ctx context.Context, inv Invocation) ([]byte, error) {
	if inv.SpeakerWav != "" {
		return nil, ErrReferenceUnsupported
	}
	params := url.Values{}
	params.Set("text", inv.Text)
	if inv.Speaker != "" {
		params.Set("speaker_id", inv.Speaker)
	}
	if inv.Language != "" {
		params.Set("language_id", inv.Language)
	}
	return m.get(ctx, apiTTSEndpoint, params, "audio/wav")
}

// Speakers lists the voices the server offers: studio speakers in XTTS mode,
// built-in speakers (or the model name for single-speaker models) in
// standard mode. The result is sorted.
func (m *CoquiModel) Speakers(ctx context.Context) ([]string, error) {
	if m.mode == APIModeStandard {
		body, err := m.get(ctx, detailsEndpoint, nil, "application/json")
		if err != nil {
			return nil, err
		}
		var d detailsResponse
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("cloning: decode details response: %w", err)
		}
		if len(d.Speakers) == 0 {
			name := d.ModelName
			if name == "" {
				name = "default"
			}
			return []string{name}, nil
		}
		speakers := append([]string(nil), d.Speakers...)
		sort.Strings(speakers)
		return speakers, nil
	}

	body, err := m.get(ctx, studioSpeakersEndpoint, nil, "application/json")
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("cloning: decode studio speakers: %w", err)
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// cloneSpeaker uploads the reference audio at path via POST /clone_speaker
// and returns the speaker name the server registered. Results are memoised
// by sample content, so rewriting the file at path clones the new voice.
func (m *CoquiModel) cloneSpeaker(ctx context.Context, path string) (string, error) {
	sample, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cloning: read reference audio: %w", err)
	}
	digest := sha256.Sum256(sample)
	m.mu.Lock()
	name, ok := m.cloned[digest]
	m.mu.Unlock()
	if ok {
		return name, nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("wav_files", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("cloning: create form file: %w", err)
	}
	if _, err := fw.Write(sample); err != nil {
		return "", fmt.Errorf("cloning: write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("cloning: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+cloneSpeakerEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("cloning: create clone-speaker request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	raw, err := m.do(req, cloneSpeakerEndpoint)
	if err != nil {
		return "", err
	}
	var resp cloneSpeakerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("cloning: decode clone-speaker response: %w", err)
	}
	if resp.Name == "" {
		return "", errors.New("cloning: clone-speaker response missing name")
	}

	m.remember(digest, resp.Name)
	slog.InfoContext(ctx, "reference audio registered", "path", path, "speaker", resp.Name)
	return resp.Name, nil
}

func (m *CoquiModel) remember(digest [sha256.Size]byte, speaker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cloned[digest]; !ok {
		m.order = append(m.order, digest)
	}
	m.cloned[digest] = speaker
	for len(m.order) > maxClonedSpeakers {
		delete(m.cloned, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *CoquiModel) get(ctx context.Context, endpoint string, params url.Values, accept string) ([]byte, error) {
	u := m.serverURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("cloning: create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	return m.do(req, endpoint)
}

func (m *CoquiModel) do(req *http.Request, endpoint string) ([]byte, error) {
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloning: %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("cloning: %s %s returned status %d: %s",
			req.Method, endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cloning: read %s response: %w", endpoint, err)
	}
	return body, nil
}

// Close releases idle connections.
func (m *CoquiModel) Close() error {
	m.http.CloseIdleConnections()
	return nil
}
