package generative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
)

// Precision is the weight precision a model is loaded with.
type Precision string

// Weight precisions.
const (
	Half Precision = "float16"
	Full Precision = "float32"
)

// Tensor is the raw mono waveform a model generates.
type Tensor struct {
	// Data holds little-endian samples in Encoding.
	Data     []byte
	Encoding audio.Encoding
}

// PCM wraps t as a mono buffer at sampleRate.
func (t Tensor) PCM(sampleRate int) audio.PCM {
	return audio.PCM{SampleRate: sampleRate, Channels: 1, Encoding: t.Encoding, Data: t.Data}
}

// Model is a loaded generative audio-token model.
type Model interface {
	// Generate runs inference for text conditioned on a voice preset.
	Generate(ctx context.Context, text, preset string) (Tensor, error)

	// SampleRate is the rate declared by the model's generation config.
	SampleRate() int
}

// Loader loads the named model on dev with the given precision.
type Loader func(ctx context.Context, name string, dev resource.Device, p Precision) (Model, error)

// ServerModel is a model hosted by an inference sidecar. The sidecar owns
// the weights; this handle records what was loaded where.
type ServerModel struct {
	baseURL    string
	name       string
	device     resource.Device
	precision  Precision
	sampleRate int
	http       *http.Client
}

var (
	_ Model     = (*ServerModel)(nil)
	_ io.Closer = (*ServerModel)(nil)
)

type loadRequest struct {
	Model  string `json:"model"`
	Device string `json:"device"`
	DType  string `json:"dtype"`
}

type loadResponse struct {
	SampleRate int    `json:"sample_rate"`
	DType      string `json:"dtype"`
}

type generateRequest struct {
	Model       string `json:"model"`
	Text        string `json:"text"`
	VoicePreset string `json:"voice_preset,omitempty"`
}

// ServerLoader returns a [Loader] that asks the sidecar at baseURL to load
// models.
func ServerLoader(baseURL string, timeout time.Duration) Loader {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, name string, dev resource.Device, p Precision) (Model, error) {
		return LoadServerModel(ctx, client, baseURL, name, dev, p)
	}
}

// LoadServerModel issues POST /load and returns a handle to the loaded model.
func LoadServerModel(ctx context.Context, client *http.Client, baseURL, name string, dev resource.Device, p Precision) (*ServerModel, error) {
	if baseURL == "" {
		return nil, errors.New("generative: server URL must not be empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	m := &ServerModel{
		baseURL:   strings.TrimRight(baseURL, "/"),
		name:      name,
		device:    dev,
		precision: p,
		http:      client,
	}
	body, err := m.post(ctx, "/load", loadRequest{Model: name, Device: dev.String(), DType: string(p)})
	if err != nil {
		return nil, err
	}
	var resp loadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("generative: decode load response: %w", err)
	}
	if resp.SampleRate <= 0 {
		return nil, fmt.Errorf("generative: model %s declares no sample rate", name)
	}
	m.sampleRate = resp.SampleRate
	if resp.DType != "" && Precision(resp.DType) != p {
		slog.WarnContext(ctx, "sidecar loaded model with different precision",
			"model", name, "requested", p, "loaded", resp.DType)
		m.precision = Precision(resp.DType)
	}
	return m, nil
}

// SampleRate implements [Model].
func (m *ServerModel) SampleRate() int { return m.sampleRate }

// Precision returns the precision the sidecar loaded.
func (m *ServerModel) Precision() Precision { return m.precision }

// Generate implements [Model]. The response body is the raw waveform; its
// sample type is named by the X-Sample-Dtype header.
func (m *ServerModel) Generate(ctx context.Context, text, preset string) (Tensor, error) {
	data, err := json.Marshal(generateRequest{Model: m.name, Text: text, VoicePreset: preset})
	if err != nil {
		return Tensor{}, fmt.Errorf("generative: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/generate", bytes.NewReader(data))
	if err != nil {
		return Tensor{}, fmt.Errorf("generative: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := m.http.Do(req)
	if err != nil {
		return Tensor{}, fmt.Errorf("generative: generate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Tensor{}, statusError("/generate", resp)
	}

	dtype := resp.Header.Get("X-Sample-Dtype")
	if dtype == "" {
		dtype = string(m.precision)
	}
	enc, err := audio.ParseEncoding(dtype)
	if err != nil {
		return Tensor{}, fmt.Errorf("generative: %w", err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tensor{}, fmt.Errorf("generative: read waveform: %w", err)
	}
	if len(raw) == 0 || len(raw)%enc.BytesPerSample() != 0 {
		return Tensor{}, fmt.Errorf("generative: malformed waveform of %d bytes for %s", len(raw), enc)
	}
	if sr := resp.Header.Get("X-Sample-Rate"); sr != "" {
		if n, err := strconv.Atoi(sr); err == nil && n != m.sampleRate {
			slog.WarnContext(ctx, "sidecar reports a different sample rate than at load",
				"model", m.name, "load", m.sampleRate, "generate", n)
		}
	}
	return Tensor{Data: raw, Encoding: enc}, nil
}

// Close asks the sidecar to release the model.
func (m *ServerModel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.post(ctx, "/unload", loadRequest{Model: m.name, Device: m.device.String(), DType: string(m.precision)})
	m.http.CloseIdleConnections()
	return err
}

func (m *ServerModel) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("generative: marshal %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("generative: create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generative: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(endpoint, resp)
	}
	return io.ReadAll(resp.Body)
}

func statusError(endpoint string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("generative: %s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
