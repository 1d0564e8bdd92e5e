package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"vaca/internal/wyoming"

	"go.uber.org/zap"
)

// Decoder turns a media source into raw PCM in the requested format.
type Decoder interface {
	Decode(ctx context.Context, source string, format wyoming.AudioFormat) (io.ReadCloser, error)
}

// FFmpegDecoder runs an ffmpeg subprocess and reads signed 16-bit PCM from its stdout.
type FFmpegDecoder struct {
	Binary string
	logger *zap.Logger
}

// NewFFmpegDecoder creates a decoder that runs the given ffmpeg binary.
func NewFFmpegDecoder(binary string, logger *zap.Logger) *FFmpegDecoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegDecoder{Binary: binary, logger: logger.Named("ffmpeg")}
}

// Args returns the ffmpeg command line for source.
func (d *FFmpegDecoder) Args(source string, format wyoming.AudioFormat) []string {
	return []string{
		"-i", source,
		"-f", "s16le",
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.Rate),
		"-nostats",
		"pipe:",
	}
}

// Decode starts ffmpeg. Closing the returned reader waits for the process; a
// non-zero exit is logged, not returned.
func (d *FFmpegDecoder) Decode(ctx context.Context, source string, format wyoming.AudioFormat) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, d.Binary, d.Args(source, format)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	d.logger.Debug("Started ffmpeg", zap.String("source", source), zap.Int("pid", cmd.Process.Pid))
	return &ffmpegStream{cmd: cmd, stdout: stdout, stderr: stderr, source: source, logger: d.logger}, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *limitedBuffer
	source string
	logger *zap.Logger

	closeOnce sync.Once
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		// Unblock ffmpeg if we stopped reading early.
		s.stdout.Close()

		if err := s.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				s.logger.Warn("ffmpeg exited with error",
					zap.String("source", s.source),
					zap.Int("exit_code", exitErr.ExitCode()),
					zap.String("stderr", s.stderr.String()))
				return
			}
			s.logger.Warn("ffmpeg wait failed", zap.String("source", s.source), zap.Error(err))
		}
	})
	return nil
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
