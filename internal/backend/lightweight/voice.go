package lightweight

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MrWong99/polyvox/pkg/audio"
)

// Defaults for fields a voice configuration may omit.
const (
	defaultSampleWidth = 2
	defaultChannels    = 1
)

// VoiceConfig is the subset of a piper voice configuration file the adapter
// reads. Only the sample rate is required.
type VoiceConfig struct {
	Audio struct {
		SampleRate  int    `json:"sample_rate"`
		SampleWidth int    `json:"sample_width,omitempty"`
		Channels    int    `json:"num_channels,omitempty"`
		Quality     string `json:"quality,omitempty"`
	} `json:"audio"`
	Language struct {
		Code string `json:"code,omitempty"`
	} `json:"language"`
	NumSpeakers int `json:"num_speakers,omitempty"`
}

// Format returns the WAV layout described by the configuration, defaulting to
// 16-bit mono.
func (c VoiceConfig) Format() (audio.WAVFormat, error) {
	width := c.Audio.SampleWidth
	if width == 0 {
		width = defaultSampleWidth
	}
	ch := c.Audio.Channels
	if ch == 0 {
		ch = defaultChannels
	}
	var enc audio.Encoding
	switch width {
	case 2:
		enc = audio.EncodingInt16
	case 4:
		enc = audio.EncodingFloat32
	default:
		return audio.WAVFormat{}, fmt.Errorf("lightweight: unsupported sample width %d", width)
	}
	return audio.WAVFormat{SampleRate: c.Audio.SampleRate, Channels: ch, Encoding: enc}, nil
}

// Voice is a loaded voice: the model artifact plus its parsed configuration.
type Voice struct {
	ModelPath  string
	ConfigPath string
	Config     VoiceConfig
	Format     audio.WAVFormat
}

// LoadVoice reads and checks the configuration at configPath.
func LoadVoice(modelPath, configPath string) (*Voice, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("lightweight: read voice config: %w", err)
	}
	var cfg VoiceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("lightweight: parse voice config %s: %w", configPath, err)
	}
	if cfg.Audio.SampleRate <= 0 {
		return nil, fmt.Errorf("lightweight: voice config %s declares no audio.sample_rate", configPath)
	}
	format, err := cfg.Format()
	if err != nil {
		return nil, err
	}
	return &Voice{ModelPath: modelPath, ConfigPath: configPath, Config: cfg, Format: format}, nil
}

// VoiceFile is a model artifact found on disk together with its
// configuration file.
type VoiceFile struct {
	Name       string `json:"name"`
	ModelPath  string `json:"model_path"`
	ConfigPath string `json:"config_path"`
}

// ListVoices returns every "*.onnx" file in dir that has a matching
// "*.onnx.json" configuration, sorted by name. A missing dir yields no
// voices.
func ListVoices(dir string) ([]VoiceFile, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lightweight: list voices: %w", err)
	}
	var out []VoiceFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".onnx") {
			continue
		}
		model := filepath.Join(dir, e.Name())
		cfg := model + ".json"
		if _, err := os.Stat(cfg); err != nil {
			continue
		}
		out = append(out, VoiceFile{
			Name:       strings.TrimSuffix(e.Name(), ".onnx"),
			ModelPath:  model,
			ConfigPath: cfg,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
