package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// Voice channel side: Discord sends and expects 48kHz opus in 20ms frames.
	VoiceSampleRate = 48000
	VoiceFrameSize  = 960 // samples per channel per 20ms frame
	VoiceChannels   = 2   // opus stream channel count on the wire

	// OpenAI Realtime pcm16 input/output format.
	RealtimeSampleRate = 24000
	RealtimeChannels   = 1

	BytesPerSample = 2
)

// Format describes a fixed linear PCM16 layout.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	VoiceCaptureFormat  = Format{SampleRate: VoiceSampleRate, Channels: 1}
	VoicePlaybackFormat = Format{SampleRate: VoiceSampleRate, Channels: 1}
	RealtimeFormat      = Format{SampleRate: RealtimeSampleRate, Channels: RealtimeChannels}
)

func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid pcm format: rate=%d channels=%d", f.SampleRate, f.Channels)
	}
	return nil
}

// FrameBytes is the size of one sample across all channels.
func (f Format) FrameBytes() int { return BytesPerSample * f.Channels }

func (f Format) String() string {
	return fmt.Sprintf("s16le_%dhz_%dch", f.SampleRate, f.Channels)
}

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	n := len(b) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:])) //nolint:gosec // PCM16 reinterpretation
	}
	return out
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*BytesPerSample)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v)) //nolint:gosec // PCM16 reinterpretation
	}
	return out
}

// MixToMono averages interleaved channels into one.
func MixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	n := len(samples) / channels
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Upmix duplicates a mono signal into interleaved channels.
func Upmix(mono []int16, channels int) []int16 {
	if channels <= 1 {
		return mono
	}
	out := make([]int16, len(mono)*channels)
	for i, v := range mono {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = v
		}
	}
	return out
}
