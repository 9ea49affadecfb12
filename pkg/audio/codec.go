package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
)

// CanonicalSampleRate is the sample rate every track is re-encoded to
// before padding and mixdown.
const CanonicalSampleRate = 48000

// CanonicalOpusBitrate is the bitrate of padded per-track Opus streams.
const CanonicalOpusBitrate = "64k"

// Codec decodes compressed audio to mono PCM and encodes PCM back to the
// canonical delivery formats.
type Codec interface {
	Decode(ctx context.Context, r io.Reader) (PCM, error)
	EncodeOpus(ctx context.Context, p PCM) ([]byte, error)
	EncodeMP3(ctx context.Context, p PCM) ([]byte, error)
}

// FFmpeg is a Codec backed by an ffmpeg subprocess. The zero value uses
// "ffmpeg" from PATH.
type FFmpeg struct {
	Bin string
}

func (f FFmpeg) bin() string {
	if f.Bin != "" {
		return f.Bin
	}
	return "ffmpeg"
}

// Decode converts any ffmpeg-readable stream to mono s16le PCM at the
// canonical sample rate.
func (f FFmpeg) Decode(ctx context.Context, r io.Reader) (PCM, error) {
	out, err := f.run(ctx, r,
		"-i", "pipe:0",
		"-f", "s16le", "-ac", "1", "-ar", fmt.Sprint(CanonicalSampleRate),
		"pipe:1")
	if err != nil {
		return PCM{}, err
	}
	samples := make([]int16, len(out)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(out[i*2:]))
	}
	return PCM{SampleRate: CanonicalSampleRate, Samples: samples}, nil
}

// EncodeOpus encodes PCM to the canonical 48 kHz / 64 kbps Ogg Opus stream.
func (f FFmpeg) EncodeOpus(ctx context.Context, p PCM) ([]byte, error) {
	return f.run(ctx, pcmReader(p),
		"-f", "s16le", "-ar", fmt.Sprint(p.SampleRate), "-ac", "1", "-i", "pipe:0",
		"-c:a", "libopus", "-b:a", CanonicalOpusBitrate,
		"-f", "ogg", "pipe:1")
}

// EncodeMP3 encodes PCM to an MP3 stream for the mixdown artefact.
func (f FFmpeg) EncodeMP3(ctx context.Context, p PCM) ([]byte, error) {
	return f.run(ctx, pcmReader(p),
		"-f", "s16le", "-ar", fmt.Sprint(p.SampleRate), "-ac", "1", "-i", "pipe:0",
		"-c:a", "libmp3lame", "-b:a", "128k",
		"-f", "mp3", "pipe:1")
}

func (f FFmpeg) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	full := append([]string{"-hide_banner", "-loglevel", "error"}, args...)
	cmd := exec.CommandContext(ctx, f.bin(), full...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg %v: %w: %s", args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func pcmReader(p PCM) io.Reader {
	buf := make([]byte, len(p.Samples)*2)
	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return bytes.NewReader(buf)
}
