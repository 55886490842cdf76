// Package audio moves 16-bit mono PCM between blocking devices or transports
// and a session's event loop.
package audio

import (
	"strings"
	"time"

	"github.com/vango-go/vai-switchboard/pkg/core/pool"
	"github.com/vango-go/vai-switchboard/pkg/core/voice/tts"
)

const bytesPerSample = 2

// Profile fixes the sample rate and chunking of one transport.
type Profile struct {
	Name       string
	SampleRate int
	ChunkBytes int
	// Paced profiles sleep one chunk duration after every emitted chunk.
	Paced bool
}

var (
	ProfileUI        = Profile{Name: "ui", SampleRate: 24000, ChunkBytes: 4800}
	ProfileTelephony = Profile{Name: "telephony", SampleRate: 16000, ChunkBytes: 640, Paced: true}
)

// ProfileByName resolves "ui" or "telephony". Unknown names yield ProfileUI
// and false.
func ProfileByName(name string) (Profile, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProfileUI.Name:
		return ProfileUI, true
	case ProfileTelephony.Name:
		return ProfileTelephony, true
	default:
		return ProfileUI, false
	}
}

// ChunkDuration is the playback time of one full chunk.
func (p Profile) ChunkDuration() time.Duration {
	return BytesDuration(p.ChunkBytes, p.SampleRate)
}

func BytesDuration(n, sampleRate int) time.Duration {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	return time.Duration(n/bytesPerSample) * time.Second / time.Duration(sampleRate)
}

// Chunk is an immutable slice of PCM with its position in a response.
type Chunk struct {
	Data       []byte
	SampleRate int
	Seq        int
	ResponseID string
}

// Split cuts data into profile-sized chunks. The last chunk may be short.
func Split(data []byte, p Profile, responseID string) []Chunk {
	if len(data) == 0 || p.ChunkBytes <= 0 {
		return nil
	}
	out := make([]Chunk, 0, (len(data)+p.ChunkBytes-1)/p.ChunkBytes)
	for off, seq := 0, 0; off < len(data); off, seq = off+p.ChunkBytes, seq+1 {
		end := off + p.ChunkBytes
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, end-off)
		copy(buf, data[off:end])
		out = append(out, Chunk{Data: buf, SampleRate: p.SampleRate, Seq: seq, ResponseID: responseID})
	}
	return out
}

// VoiceParams selects the synthesis voice for a request.
type VoiceParams struct {
	Voice string
	Style string
	Rate  float64
}

// Signature keys warm-up memoization for this voice at sampleRate.
func (v VoiceParams) Signature(sampleRate int) pool.VoiceSignature {
	return pool.VoiceSignature{Voice: v.Voice, Style: v.Style, Rate: v.Rate, SampleRate: sampleRate}
}

func (v VoiceParams) options(sampleRate int) tts.SynthesizeOptions {
	opts := tts.SynthesizeOptions{
		Voice:      v.Voice,
		Speed:      v.Rate,
		SampleRate: sampleRate,
	}
	switch strings.ToLower(v.Style) {
	case "expressive":
		opts.Style = 0.6
	case "calm":
		opts.Stability = 0.8
	}
	return opts
}
