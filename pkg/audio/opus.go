package audio

import (
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// Decoder turns one compressed packet into PCM16 bytes.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// Encoder turns one frame of PCM16 bytes into a compressed packet.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

var errEmptyPacket = errors.New("empty opus packet")

// OpusDecoder decodes opus packets into interleaved PCM16 at a fixed format.
// It keeps decoder state between packets and is not safe for concurrent use.
type OpusDecoder struct {
	dec      *gopus.Decoder
	format   Format
	maxFrame int
}

func NewOpusDecoder(format Format) (*OpusDecoder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		format:   format,
		maxFrame: format.SampleRate * 120 / 1000, // longest opus frame is 120ms
	}, nil
}

func (d *OpusDecoder) Format() Format { return d.format }

func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, errEmptyPacket
	}
	samples, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(samples), nil
}

// OpusEncoder encodes PCM16 frames for the voice channel. Input in a
// narrower channel layout than the wire is upmixed first.
type OpusEncoder struct {
	enc       *gopus.Encoder
	input     Format
	channels  int
	frameSize int
}

const maxOpusPacket = 4000

func NewOpusEncoder(input Format, channels, frameSize int) (*OpusEncoder, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if channels < input.Channels {
		return nil, fmt.Errorf("opus encoder: cannot downmix %d to %d channels", input.Channels, channels)
	}
	enc, err := gopus.NewEncoder(input.SampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, input: input, channels: channels, frameSize: frameSize}, nil
}

// FrameBytes is the PCM input size of one encoded frame.
func (e *OpusEncoder) FrameBytes() int {
	return e.frameSize * e.input.FrameBytes()
}

func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != e.FrameBytes() {
		return nil, fmt.Errorf("opus encoder: frame is %d bytes, want %d", len(pcm), e.FrameBytes())
	}
	samples := BytesToSamples(pcm)
	if e.input.Channels != e.channels {
		samples = Upmix(MixToMono(samples, e.input.Channels), e.channels)
	}
	return e.enc.Encode(samples, e.frameSize, maxOpusPacket)
}
