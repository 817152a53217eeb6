package audio

import (
	"errors"
	"math"
)

// ErrConverterClosed is returned when a converter is used after Flush.
var ErrConverterClosed = errors.New("converter already flushed")

// Converter transforms a continuous PCM byte stream chunk by chunk. Flush
// marks end of input and returns whatever output is still held back.
type Converter interface {
	Convert(p []byte) ([]byte, error)
	Flush() ([]byte, error)
}

// Resampler is a streaming linear-interpolation PCM16 converter. It mixes the
// input down to mono, resamples, and fans back out to the target channel
// count. Partial frames and interpolation phase carry over between chunks, so
// splitting the input differently never changes the output.
type Resampler struct {
	from, to Format
	step     float64

	pos     float64
	last    int16
	hasLast bool
	carry   []byte
	flushed bool
}

func NewResampler(from, to Format) (*Resampler, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	return &Resampler{
		from: from,
		to:   to,
		step: float64(from.SampleRate) / float64(to.SampleRate),
	}, nil
}

func (r *Resampler) Convert(p []byte) ([]byte, error) {
	if r.flushed {
		return nil, ErrConverterClosed
	}
	buf := p
	if len(r.carry) > 0 {
		buf = append(r.carry, p...)
		r.carry = nil
	}
	frame := r.from.FrameBytes()
	whole := len(buf) - len(buf)%frame
	if whole < len(buf) {
		r.carry = append([]byte(nil), buf[whole:]...)
	}
	if whole == 0 {
		return nil, nil
	}
	if r.from == r.to {
		return append([]byte(nil), buf[:whole]...), nil
	}
	mono := MixToMono(BytesToSamples(buf[:whole]), r.from.Channels)
	return SamplesToBytes(Upmix(r.interpolate(mono), r.to.Channels)), nil
}

// Flush emits the samples still pending past the last input sample. A
// trailing partial frame is discarded.
func (r *Resampler) Flush() ([]byte, error) {
	if r.flushed {
		return nil, ErrConverterClosed
	}
	r.flushed = true
	r.carry = nil
	if r.from == r.to || !r.hasLast {
		return nil, nil
	}
	var out []int16
	for r.pos < 1 {
		out = append(out, r.last)
		r.pos += r.step
	}
	return SamplesToBytes(Upmix(out, r.to.Channels)), nil
}

func (r *Resampler) interpolate(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	src := in
	if r.hasLast {
		src = make([]int16, 0, len(in)+1)
		src = append(src, r.last)
		src = append(src, in...)
	}
	out := make([]int16, 0, int(float64(len(src))/r.step)+1)
	for {
		idx := int(r.pos)
		if idx+1 >= len(src) {
			break
		}
		frac := r.pos - float64(idx)
		s0 := float64(src[idx])
		s1 := float64(src[idx+1])
		out = append(out, int16(math.Round(s0+frac*(s1-s0))))
		r.pos += r.step
	}
	r.pos -= float64(len(src) - 1)
	r.last = src[len(src)-1]
	r.hasLast = true
	return out
}

// Resample converts a complete buffer in one call.
func Resample(p []byte, from, to Format) ([]byte, error) {
	r, err := NewResampler(from, to)
	if err != nil {
		return nil, err
	}
	out, err := r.Convert(p)
	if err != nil {
		return nil, err
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, err
	}
	return append(out, tail...), nil
}
