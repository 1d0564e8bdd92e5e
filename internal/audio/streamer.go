// Package audio streams announcements and TTS responses to a satellite as Wyoming
// audio events.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"vaca/internal/clock"
	"vaca/internal/wyoming"

	"go.uber.org/zap"
)

// ErrUnsupportedFormat is returned for TTS audio that is not a PCM WAV container.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

const (
	announceChunkBytes = 2048
	ttsChunkFrames     = 1024

	playedGrace  = 500 * time.Millisecond
	ttsExtraTime = time.Second
)

// AnnounceFormat is the PCM format announcements are decoded to.
var AnnounceFormat = wyoming.AudioFormat{Rate: 22050, Width: 2, Channels: 1}

// Writer sends one event to the satellite.
type Writer interface {
	WriteEvent(ctx context.Context, ev wyoming.Event) error
}

// Announcement is a media item to play, optionally preceded by a chime.
type Announcement struct {
	PreannounceMediaID string `json:"preannounce_media_id,omitempty"`
	MediaID            string `json:"media_id"`
	Message            string `json:"message,omitempty"`
}

// TTSResult is synthesized speech as returned by the TTS engine.
type TTSResult struct {
	Extension string
	Data      []byte
}

// Options configures a Streamer.
type Options struct {
	Decoder Decoder
	Clock   clock.Clock

	// OnTTSTimeout is called once the satellite should have finished playing a TTS
	// response, unless a newer response superseded it.
	OnTTSTimeout func(runID string)
}

// Streamer drives the announce and TTS streaming protocols over one connection.
// Only one stream runs at a time.
type Streamer struct {
	writer  Writer
	decoder Decoder
	clock   clock.Clock
	logger  *zap.Logger

	lock chan struct{}

	playedMu sync.Mutex
	played   chan struct{}

	ttsMu        sync.Mutex
	ttsRunID     string
	ttsTimer     clock.Timer
	onTTSTimeout func(runID string)
}

// NewStreamer creates a streamer writing through w.
func NewStreamer(w Writer, opts Options, logger *zap.Logger) *Streamer {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Streamer{
		writer:       w,
		decoder:      opts.Decoder,
		clock:        opts.Clock,
		logger:       logger.Named("audio"),
		lock:         make(chan struct{}, 1),
		played:       make(chan struct{}),
		onTTSTimeout: opts.OnTTSTimeout,
	}
}

func (s *Streamer) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Streamer) release() {
	<-s.lock
}

// Played records that the satellite finished playing queued audio.
func (s *Streamer) Played() {
	s.playedMu.Lock()
	defer s.playedMu.Unlock()
	select {
	case <-s.played:
	default:
		close(s.played)
	}
}

func (s *Streamer) resetPlayed() {
	s.playedMu.Lock()
	defer s.playedMu.Unlock()
	select {
	case <-s.played:
		s.played = make(chan struct{})
	default:
	}
}

func (s *Streamer) playedSignal() <-chan struct{} {
	s.playedMu.Lock()
	defer s.playedMu.Unlock()
	return s.played
}

// Announce streams the pre-announce sound (if any) and the main media, then waits
// until the satellite reports the audio as played or the audio length plus a grace
// period has passed.
func (s *Streamer) Announce(ctx context.Context, a Announcement) error {
	if s.decoder == nil {
		return errors.New("no decoder configured")
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.resetPlayed()

	if err := s.writer.WriteEvent(ctx, wyoming.AudioStart{AudioFormat: AnnounceFormat}.Event()); err != nil {
		return fmt.Errorf("failed to send audio start: %w", err)
	}

	var timestamp int
	var streamErr error
	for _, media := range []string{a.PreannounceMediaID, a.MediaID} {
		if media == "" {
			continue
		}
		if streamErr = s.streamMedia(ctx, media, &timestamp); streamErr != nil {
			break
		}
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.writer.WriteEvent(cleanupCtx, wyoming.AudioStop{}.Event()); err != nil {
		return errors.Join(streamErr, fmt.Errorf("failed to send audio stop: %w", err))
	}

	if timestamp > 0 {
		s.waitPlayed(ctx, time.Duration(timestamp)*time.Millisecond+playedGrace)
	}
	return streamErr
}

// streamMedia sends one decoded media item, advancing timestamp by the
// milliseconds of each chunk sent.
func (s *Streamer) streamMedia(ctx context.Context, media string, timestamp *int) error {
	stream, err := s.decoder.Decode(ctx, media, AnnounceFormat)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", media, err)
	}
	defer stream.Close()

	bytesPerFrame := AnnounceFormat.BytesPerFrame()
	buf := make([]byte, announceChunkBytes)
	for {
		n, readErr := io.ReadFull(stream, buf)
		n -= n % bytesPerFrame
		if n > 0 {
			chunk := wyoming.AudioChunk{
				AudioFormat: AnnounceFormat,
				Audio:       append([]byte(nil), buf[:n]...),
				Timestamp:   *timestamp,
			}
			if err := s.writer.WriteEvent(ctx, chunk.Event()); err != nil {
				return fmt.Errorf("failed to send audio chunk: %w", err)
			}
			*timestamp += chunk.Milliseconds()
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
				s.logger.Warn("Decoder stream ended with error", zap.String("media", media), zap.Error(readErr))
			}
			return nil
		}
	}
}

func (s *Streamer) waitPlayed(ctx context.Context, deadline time.Duration) {
	played := s.playedSignal()
	timeout := s.clock.After(deadline)

	select {
	case <-played:
		s.logger.Debug("Announcement played")
	case <-timeout:
		s.logger.Debug("Did not receive played event for announcement", zap.Duration("deadline", deadline))
	case <-ctx.Done():
	}
}

// StreamTTS streams a WAV TTS response in 1024-frame chunks and then schedules
// OnTTSTimeout for when playback should be over. A newer run cancels the pending
// timeout of an older one.
func (s *Streamer) StreamTTS(ctx context.Context, runID string, tts TTSResult) error {
	if !strings.EqualFold(tts.Extension, "wav") {
		return fmt.Errorf("%w: cannot stream %q to satellite", ErrUnsupportedFormat, tts.Extension)
	}
	wavData, err := openWAV(tts.Data)
	if err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.supersedeTTSTimeout(runID)

	start := s.clock.Now()
	var timestamp int
	defer func() {
		total := time.Duration(timestamp) * time.Millisecond
		timeout := max(0, total-s.clock.Since(start)+ttsExtraTime)
		s.scheduleTTSTimeout(runID, timeout)
	}()

	s.logger.Debug("Streaming TTS", zap.String("run_id", runID), zap.Int64("frames", wavData.frames))

	format := wavData.format
	if err := s.writer.WriteEvent(ctx, wyoming.AudioStart{AudioFormat: format}.Event()); err != nil {
		return fmt.Errorf("failed to send audio start: %w", err)
	}

	buf := make([]byte, ttsChunkFrames*format.BytesPerFrame())
	for {
		n, readErr := io.ReadFull(wavData.pcm, buf)
		n -= n % format.BytesPerFrame()
		if n > 0 {
			chunk := wyoming.AudioChunk{
				AudioFormat: format,
				Audio:       append([]byte(nil), buf[:n]...),
				Timestamp:   timestamp,
			}
			if err := s.writer.WriteEvent(ctx, chunk.Event()); err != nil {
				return fmt.Errorf("failed to send audio chunk: %w", err)
			}
			timestamp += chunk.Milliseconds()
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
				s.logger.Warn("WAV read ended with error", zap.Error(readErr))
			}
			break
		}
	}

	final := timestamp
	if err := s.writer.WriteEvent(ctx, wyoming.AudioStop{Timestamp: &final}.Event()); err != nil {
		return fmt.Errorf("failed to send audio stop: %w", err)
	}

	s.logger.Debug("TTS streaming complete", zap.String("run_id", runID))
	return nil
}

func (s *Streamer) supersedeTTSTimeout(runID string) {
	s.ttsMu.Lock()
	defer s.ttsMu.Unlock()
	if s.ttsTimer != nil {
		s.ttsTimer.Stop()
		s.ttsTimer = nil
	}
	s.ttsRunID = runID
}

func (s *Streamer) scheduleTTSTimeout(runID string, d time.Duration) {
	s.ttsMu.Lock()
	defer s.ttsMu.Unlock()
	if s.ttsRunID != runID {
		return
	}
	if s.ttsTimer != nil {
		s.ttsTimer.Stop()
	}
	s.ttsTimer = s.clock.AfterFunc(d, func() { s.fireTTSTimeout(runID) })
}

func (s *Streamer) fireTTSTimeout(runID string) {
	s.ttsMu.Lock()
	if s.ttsRunID != runID {
		s.ttsMu.Unlock()
		s.logger.Debug("Ignoring stale TTS timeout", zap.String("run_id", runID))
		return
	}
	s.ttsRunID = ""
	s.ttsTimer = nil
	cb := s.onTTSTimeout
	s.ttsMu.Unlock()

	if cb != nil {
		cb(runID)
	}
}

// CancelTTSTimeout drops any pending TTS timeout.
func (s *Streamer) CancelTTSTimeout() {
	s.ttsMu.Lock()
	defer s.ttsMu.Unlock()
	if s.ttsTimer != nil {
		s.ttsTimer.Stop()
		s.ttsTimer = nil
	}
	s.ttsRunID = ""
}
