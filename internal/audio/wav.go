package audio

import (
	"bytes"
	"fmt"
	"io"

	"vaca/internal/wyoming"

	"github.com/go-audio/wav"
)

// wavStream is the PCM body of a WAV container and its format.
type wavStream struct {
	format wyoming.AudioFormat
	frames int64
	pcm    io.Reader
}

// openWAV validates data as a PCM WAV container and positions a reader on its samples.
func openWAV(data []byte) (*wavStream, error) {
	if !wav.NewDecoder(bytes.NewReader(data)).IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid WAV container", ErrUnsupportedFormat)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: WAV audio format %d is not PCM", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	format := wyoming.AudioFormat{
		Rate:     int(dec.SampleRate),
		Width:    int(dec.BitDepth) / 8,
		Channels: int(dec.NumChans),
	}
	if format.Width <= 0 || format.Rate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("%w: invalid WAV format %+v", ErrUnsupportedFormat, format)
	}

	size := dec.PCMLen()
	return &wavStream{
		format: format,
		frames: size / int64(format.BytesPerFrame()),
		pcm:    io.LimitReader(dec.PCMChunk, size),
	}, nil
}
