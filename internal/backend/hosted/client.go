package hosted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/pkg/synth"
)

const (
	modelsPath       = "/v1/models"
	voicesPath       = "/v1/voices"
	subscriptionPath = "/v1/user/subscription"
	ttsPathFmt       = "/v1/text-to-speech/%s"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 4096
)

// Voice is a remote voice catalog entry.
type Voice struct {
	Name     string            `json:"name"`
	ID       string            `json:"voice_id"`
	Category string            `json:"category,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Quota is the account's character usage.
type Quota struct {
	Used   int64  `json:"used"`
	Limit  int64  `json:"limit"`
	Tier   string `json:"tier"`
	Status string `json:"status"`
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithClientHTTPClient replaces the HTTP client.
func WithClientHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithClientMetrics records every request to m.
func WithClientMetrics(m *observe.Metrics) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

// Client is a minimal ElevenLabs REST client. Every method takes the
// credential explicitly; the client holds none.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observe.Metrics
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("hosted: invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Models issues the lightweight GET /v1/models probe and returns the model
// ids the key can use.
func (c *Client) Models(ctx context.Context, key string) ([]string, error) {
	var models []struct {
		ModelID string `json:"model_id"`
	}
	if err := c.getJSON(ctx, key, modelsPath, &models); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		if m.ModelID != "" {
			ids = append(ids, m.ModelID)
		}
	}
	return ids, nil
}

// Voices fetches the voice catalog. Entries without a name or id are
// dropped.
func (c *Client) Voices(ctx context.Context, key string) ([]Voice, error) {
	var resp struct {
		Voices []Voice `json:"voices"`
	}
	if err := c.getJSON(ctx, key, voicesPath, &resp); err != nil {
		return nil, err
	}
	out := make([]Voice, 0, len(resp.Voices))
	for _, v := range resp.Voices {
		if v.Name != "" && v.ID != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

// Subscription fetches the account's quota. Missing or mistyped fields
// default to zero or "unknown".
func (c *Client) Subscription(ctx context.Context, key string) (Quota, error) {
	var raw map[string]any
	if err := c.getJSON(ctx, key, subscriptionPath, &raw); err != nil {
		return Quota{}, err
	}
	return Quota{
		Used:   intField(raw, "character_count"),
		Limit:  intField(raw, "character_limit"),
		Tier:   stringField(raw, "tier"),
		Status: stringField(raw, "status"),
	}, nil
}

type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// TextToSpeech requests MP3 audio for text. The caller must close the
// returned body.
func (c *Client) TextToSpeech(ctx context.Context, key, voiceID, modelID, text string) (io.ReadCloser, error) {
	body, err := json.Marshal(ttsRequest{Text: text, ModelID: modelID})
	if err != nil {
		return nil, fmt.Errorf("hosted: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf(ttsPathFmt, url.PathEscape(voiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("hosted: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	resp, err := c.do(req, key, "text-to-speech")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, key, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("hosted: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req, key, strings.TrimPrefix(endpoint, "/v1/"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &synth.Error{
			Kind:    synth.KindRemoteGeneric,
			Backend: synth.BackendHosted,
			Detail:  "unexpected response body",
			Err:     fmt.Errorf("hosted: decode %s: %w", endpoint, err),
		}
	}
	return nil
}

// do sends req with the credential and maps any non-2xx status. On success
// the response body is left open.
func (c *Client) do(req *http.Request, key, label string) (*http.Response, error) {
	req.Header.Set("xi-api-key", key)
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(req.Context(), label, "transport_error")
		return nil, &synth.Error{
			Kind:    synth.KindRemoteGeneric,
			Backend: synth.BackendHosted,
			Detail:  "service unreachable",
			Err:     err,
		}
	}
	c.record(req.Context(), label, strconv.Itoa(resp.StatusCode))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, MapStatus(resp.StatusCode, body)
}

func (c *Client) record(ctx context.Context, endpoint, status string) {
	if c.metrics != nil {
		c.metrics.RecordRemoteRequest(ctx, endpoint, status)
	}
}

// MapStatus classifies a non-2xx response of the hosted service.
func MapStatus(status int, body []byte) *synth.Error {
	e := &synth.Error{
		Backend:    synth.BackendHosted,
		StatusCode: status,
		Detail:     ErrorDetail(body),
	}
	switch status {
	case http.StatusUnauthorized:
		e.Kind = synth.KindRemoteAuth
	case http.StatusPaymentRequired:
		e.Kind = synth.KindRemoteQuota
	case http.StatusUnprocessableEntity:
		e.Kind = synth.KindRemoteValidation
	default:
		e.Kind = synth.KindRemoteGeneric
	}
	e.Err = fmt.Errorf("hosted: status %d: %s", status, e.Detail)
	return e
}

// ErrorDetail extracts a readable message from an error body. The service
// answers with {"detail": ...} where detail is a string, an object with a
// message, or a list of validation errors with field locations.
func ErrorDetail(body []byte) string {
	text := strings.TrimSpace(string(body))
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return text
	}

	var s string
	if json.Unmarshal(envelope.Detail, &s) == nil {
		return s
	}
	var list []struct {
		Msg string `json:"msg"`
		Loc []any  `json:"loc"`
	}
	if json.Unmarshal(envelope.Detail, &list) == nil && len(list) > 0 {
		msg := list[0].Msg
		if msg == "" {
			msg = text
		}
		if len(list[0].Loc) == 0 {
			return msg
		}
		parts := make([]string, len(list[0].Loc))
		for i, p := range list[0].Loc {
			parts[i] = fmt.Sprint(p)
		}
		return fmt.Sprintf("%s (Field: %s)", msg, strings.Join(parts, " -> "))
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(envelope.Detail, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return text
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// isServiceFault reports whether err says something about the health of the
// service rather than about the caller's request.
func isServiceFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch synth.KindOf(err) {
	case synth.KindRemoteAuth, synth.KindRemoteQuota, synth.KindRemoteValidation:
		return false
	}
	var se *synth.Error
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		return false
	}
	return true
}
