package audio

import (
	"encoding/binary"
	"log/slog"
	"strconv"
)

// Target is the layout every delivery is harmonised to before it is written.
// Zero fields keep the backend's native value.
type Target struct {
	SampleRate int
	Channels   int
}

// IsZero reports whether t leaves every property native.
func (t Target) IsZero() bool { return t.SampleRate == 0 && t.Channels == 0 }

func (t Target) resolve(p PCM) Target {
	if t.SampleRate <= 0 {
		t.SampleRate = p.SampleRate
	}
	if t.Channels <= 0 {
		t.Channels = p.Channels
	}
	return t
}

func layout(rate, channels int) string {
	switch channels {
	case 1:
		return strconv.Itoa(rate) + "Hz mono"
	case 2:
		return strconv.Itoa(rate) + "Hz stereo"
	}
	return strconv.Itoa(rate) + "Hz " + strconv.Itoa(channels) + "ch"
}

// Harmonize converts pcm to the target layout. A buffer that already matches
// comes back untouched; anything else is narrowed to int16 first. Sample
// rate is converted before the channel count.
//
// Down-mixing averages all channels. Up-mixing is only defined from mono.
func Harmonize(pcm PCM, target Target) PCM {
	want := target.resolve(pcm)
	if want.SampleRate == pcm.SampleRate && want.Channels == pcm.Channels {
		return pcm
	}
	if pcm.SampleRate <= 0 || pcm.Channels <= 0 || (want.Channels > 1 && pcm.Channels != 1 && want.Channels != pcm.Channels) {
		slog.Warn("cannot convert audio layout, keeping native",
			"from", layout(pcm.SampleRate, pcm.Channels), "to", layout(want.SampleRate, want.Channels))
		return pcm
	}
	slog.Debug("converting audio layout",
		"from", layout(pcm.SampleRate, pcm.Channels), "to", layout(want.SampleRate, want.Channels))

	samples := int16s(pcm.ToInt16().Data)
	samples = resample(samples, pcm.Channels, pcm.SampleRate, want.SampleRate)
	samples = remix(samples, pcm.Channels, want.Channels)
	return FromInt16(samples, want.SampleRate, want.Channels)
}

func int16s(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// resample linearly interpolates interleaved frames from src to dst Hz. The
// last frame is held for positions past the end.
func resample(samples []int16, channels, src, dst int) []int16 {
	if src == dst || src <= 0 || dst <= 0 {
		return samples
	}
	frames := len(samples) / channels
	n := int(int64(frames) * int64(dst) / int64(src))
	out := make([]int16, n*channels)
	step := float64(src) / float64(dst)
	for i := range n {
		pos := float64(i) * step
		a := int(pos)
		b := min(a+1, frames-1)
		frac := pos - float64(a)
		for c := range channels {
			s0 := float64(samples[a*channels+c])
			s1 := float64(samples[b*channels+c])
			out[i*channels+c] = int16(s0 + (s1-s0)*frac)
		}
	}
	return out
}

// remix changes the channel count: mono is copied into every output channel,
// and any count is averaged down to mono.
func remix(samples []int16, from, to int) []int16 {
	if from == to {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for f := range frames {
		frame := samples[f*from : (f+1)*from]
		if from == 1 {
			for c := range to {
				out[f*to+c] = frame[0]
			}
			continue
		}
		var sum int32
		for _, s := range frame {
			sum += int32(s)
		}
		out[f] = int16(sum / int32(from))
	}
	return out
}
