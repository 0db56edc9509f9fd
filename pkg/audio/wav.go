package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	wavHeaderSize = 44

	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// WAVFormat describes the layout written into a WAV "fmt " chunk.
type WAVFormat struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

func (f WAVFormat) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("audio: invalid WAV format %d Hz / %d ch", f.SampleRate, f.Channels)
	}
	if f.Encoding == EncodingFloat16 {
		return errors.New("audio: WAV writer does not accept float16 samples; upcast first")
	}
	return nil
}

// WAVWriter streams PCM data into a RIFF/WAVE file. The header is written
// up-front with zero sizes and patched on Close, so callers can push samples
// as the backend produces them.
//
// Close must always be called, including on error paths; it releases the
// underlying file.
type WAVWriter struct {
	f      *os.File
	format WAVFormat
	n      int64
	closed bool
}

// CreateWAV creates (or truncates) path and writes a placeholder header.
func CreateWAV(path string, format WAVFormat) (*WAVWriter, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create %s: %w", path, err)
	}
	w := &WAVWriter{f: f, format: format}
	if _, err := f.Write(w.header(0)); err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: write WAV header: %w", err)
	}
	return w, nil
}

// Write appends raw sample bytes in the writer's encoding.
func (w *WAVWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("audio: write to closed WAV writer")
	}
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

// ReadFrom copies r into the data chunk until EOF.
func (w *WAVWriter) ReadFrom(r io.Reader) (int64, error) {
	if w.closed {
		return 0, errors.New("audio: write to closed WAV writer")
	}
	n, err := io.Copy(w.f, r)
	w.n += n
	return n, err
}

// Written returns the number of data bytes written so far.
func (w *WAVWriter) Written() int64 { return w.n }

// Close pads the data chunk to an even length, patches the RIFF and data
// sizes, and closes the file. The file is closed even when patching fails.
// Calling Close more than once is a no-op.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.n%2 != 0 {
		if _, err := w.f.Write([]byte{0}); err != nil {
			errs = append(errs, fmt.Errorf("pad data chunk: %w", err))
		}
	}
	if _, err := w.f.WriteAt(w.header(w.n), 0); err != nil {
		errs = append(errs, fmt.Errorf("patch WAV header: %w", err))
	}
	if err := w.f.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("audio: close WAV: %w", err)
	}
	return nil
}

func (w *WAVWriter) header(dataSize int64) []byte {
	bps := w.format.Encoding.BytesPerSample()
	tag := uint16(wavFormatPCM)
	if w.format.Encoding == EncodingFloat32 {
		tag = wavFormatFloat
	}
	padded := dataSize + dataSize%2

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+padded))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], tag)
	binary.LittleEndian.PutUint16(h[22:24], uint16(w.format.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(w.format.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(w.format.SampleRate*w.format.Channels*bps))
	binary.LittleEndian.PutUint16(h[32:34], uint16(w.format.Channels*bps))
	binary.LittleEndian.PutUint16(h[34:36], uint16(bps*8))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataSize))
	return h
}

// WriteWAV writes pcm to path as a complete WAV file. Half-precision buffers
// are upcast to float32 first.
func WriteWAV(path string, pcm PCM) error {
	pcm = pcm.Upcast()
	if err := pcm.Validate(); err != nil {
		return err
	}
	w, err := CreateWAV(path, WAVFormat{
		SampleRate: pcm.SampleRate,
		Channels:   pcm.Channels,
		Encoding:   pcm.Encoding,
	})
	if err != nil {
		return err
	}
	if _, err := w.Write(pcm.Data); err != nil {
		w.Close()
		return fmt.Errorf("audio: write WAV data: %w", err)
	}
	return w.Close()
}

// ParseWAV walks the RIFF chunks of wav and returns its sample data. Only PCM
// integer (16-bit) and IEEE float (32-bit) payloads are accepted.
func ParseWAV(wav []byte) (PCM, error) {
	if len(wav) < 12 {
		return PCM{}, errors.New("audio: WAV data too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return PCM{}, errors.New("audio: WAV data missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return PCM{}, errors.New("audio: WAV data missing WAVE identifier")
	}

	var (
		out      PCM
		foundFmt bool
		tag      uint16
		bits     uint16
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return PCM{}, errors.New("audio: WAV fmt chunk truncated")
			}
			tag = binary.LittleEndian.Uint16(wav[body:])
			out.Channels = int(binary.LittleEndian.Uint16(wav[body+2:]))
			out.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4:]))
			bits = binary.LittleEndian.Uint16(wav[body+14:])
			foundFmt = true
		case "data":
			if !foundFmt {
				return PCM{}, errors.New("audio: WAV data chunk precedes fmt chunk")
			}
			end := min(body+size, len(wav))
			switch {
			case tag == wavFormatPCM && bits == 16:
				out.Encoding = EncodingInt16
			case tag == wavFormatFloat && bits == 32:
				out.Encoding = EncodingFloat32
			default:
				return PCM{}, fmt.Errorf("audio: unsupported WAV format tag %d with %d bits", tag, bits)
			}
			out.Data = wav[body:end]
			return out, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return PCM{}, errors.New("audio: WAV data missing data chunk")
}

// ReadWAV reads and parses the WAV file at path.
func ReadWAV(path string) (PCM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PCM{}, fmt.Errorf("audio: read %s: %w", path, err)
	}
	return ParseWAV(data)
}
