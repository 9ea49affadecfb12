// Package audio implements the multi-track assembly algorithms: head
// padding to a common zero timestamp, mono mixdown with clipping
// protection, and fixed-resolution waveform summarisation. Decoding and
// encoding are delegated to an external codec (ffmpeg).
package audio

import (
	"math"
	"time"
)

// WaveformSegments is the fixed resolution of the loudness envelope.
const WaveformSegments = 255

// waveformPeak is the ceiling of the normalised envelope values.
const waveformPeak = 128

// PCM is a decoded mono audio stream of signed 16-bit samples.
type PCM struct {
	SampleRate int
	Samples    []int16
}

// Duration returns the stream length.
func (p PCM) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(p.Samples)) / float64(p.SampleRate) * float64(time.Second))
}

// Seconds returns the stream length in seconds.
func (p PCM) Seconds() float64 {
	if p.SampleRate == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// PadStart prepends d of silence to the stream. The pad is authoritative:
// downstream timestamps assume all tracks share t=0 after padding.
func PadStart(p PCM, d time.Duration) PCM {
	if d <= 0 {
		return p
	}
	pad := int(float64(p.SampleRate) * d.Seconds())
	if pad == 0 {
		return p
	}
	out := make([]int16, pad+len(p.Samples))
	copy(out[pad:], p.Samples)
	return PCM{SampleRate: p.SampleRate, Samples: out}
}

// Mixdown sums the padded tracks into a single mono stream. Each track is
// scaled by 1/sqrt(N) before summing, then the sum is clamped to the int16
// range. The output length is the longest input. All tracks must share a
// sample rate.
func Mixdown(tracks []PCM) PCM {
	if len(tracks) == 0 {
		return PCM{}
	}

	rate := tracks[0].SampleRate
	longest := 0
	for _, t := range tracks {
		if len(t.Samples) > longest {
			longest = len(t.Samples)
		}
	}

	scale := 1 / math.Sqrt(float64(len(tracks)))
	out := make([]int16, longest)
	for i := 0; i < longest; i++ {
		var sum float64
		for _, t := range tracks {
			if i < len(t.Samples) {
				sum += float64(t.Samples[i]) * scale
			}
		}
		out[i] = clamp(sum)
	}
	return PCM{SampleRate: rate, Samples: out}
}

// Waveform splits the stream into exactly segments equal-duration windows
// and reports the peak absolute amplitude of each, normalised to
// 0..128. Deterministic given the same input.
func Waveform(p PCM, segments int) []uint8 {
	out := make([]uint8, segments)
	if len(p.Samples) == 0 {
		return out
	}
	for i := 0; i < segments; i++ {
		lo := i * len(p.Samples) / segments
		hi := (i + 1) * len(p.Samples) / segments
		if hi <= lo {
			hi = lo + 1
		}
		if hi > len(p.Samples) {
			hi = len(p.Samples)
		}
		var peak int32
		for _, s := range p.Samples[lo:hi] {
			abs := int32(s)
			if abs < 0 {
				abs = -abs
			}
			if abs > peak {
				peak = abs
			}
		}
		out[i] = uint8(int64(peak) * waveformPeak / math.MaxInt16)
	}
	return out
}

func clamp(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
