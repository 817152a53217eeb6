// Package audio holds the PCM plumbing shared by the capture and playback
// directions: sample/byte conversion, channel mixing, a streaming linear
// resampler, the goroutine-backed resampling Stage and opus codec wrappers.
//
// All PCM is signed 16-bit little-endian, interleaved when multi-channel.
package audio
