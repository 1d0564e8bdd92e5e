package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vaca/internal/clock"
	"vaca/internal/wyoming"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingWriter collects written events. onEvent runs after each write.
type recordingWriter struct {
	mu      sync.Mutex
	events  []wyoming.Event
	onEvent func(ev wyoming.Event)
}

func (w *recordingWriter) WriteEvent(ctx context.Context, ev wyoming.Event) error {
	w.mu.Lock()
	w.events = append(w.events, ev)
	cb := w.onEvent
	w.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
	return nil
}

func (w *recordingWriter) Events() []wyoming.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]wyoming.Event(nil), w.events...)
}

func (w *recordingWriter) Types() []string {
	var types []string
	for _, ev := range w.Events() {
		types = append(types, ev.Type)
	}
	return types
}

// fakeDecoder serves PCM from memory keyed by source.
type fakeDecoder struct {
	mu      sync.Mutex
	media   map[string][]byte
	fail    map[string]error
	readErr map[string]error
	calls   []string
}

func (d *fakeDecoder) Decode(ctx context.Context, source string, format wyoming.AudioFormat) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, source)
	if err := d.fail[source]; err != nil {
		return nil, err
	}
	var r io.Reader = bytes.NewReader(d.media[source])
	if err := d.readErr[source]; err != nil {
		r = io.MultiReader(r, &errReader{err: err})
	}
	return io.NopCloser(r), nil
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

func pcm(ms int) []byte {
	frames := AnnounceFormat.Rate * ms / 1000
	return make([]byte, frames*AnnounceFormat.BytesPerFrame())
}

func chunks(t *testing.T, events []wyoming.Event) []wyoming.AudioChunk {
	t.Helper()
	var out []wyoming.AudioChunk
	for _, ev := range events {
		if ev.Type != wyoming.TypeAudioChunk {
			continue
		}
		chunk, err := wyoming.AudioChunkFromEvent(ev)
		require.NoError(t, err)
		out = append(out, chunk)
	}
	return out
}

func newTestStreamer(w Writer, dec Decoder, clk clock.Clock, onTimeout func(string)) *Streamer {
	return NewStreamer(w, Options{Decoder: dec, Clock: clk, OnTTSTimeout: onTimeout}, zap.NewNop())
}

func runAnnounce(s *Streamer, a Announcement) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Announce(context.Background(), a) }()
	return done
}

func requireNotDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("announce returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func requireDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("announce did not return")
		return nil
	}
}

func TestAnnounce_OneSecondOfAudio(t *testing.T) {
	w := &recordingWriter{}
	dec := &fakeDecoder{media: map[string][]byte{"media-source://tts/hello": pcm(1000)}}
	clk := clock.NewMock(time.Now())
	s := newTestStreamer(w, dec, clk, nil)

	done := runAnnounce(s, Announcement{MediaID: "media-source://tts/hello"})
	require.True(t, clk.WaitForTimers(1, 2*time.Second))

	events := w.Events()
	require.GreaterOrEqual(t, len(events), 3)

	start, err := wyoming.AudioStartFromEvent(events[0])
	require.NoError(t, err)
	assert.Equal(t, 0, start.Timestamp)
	assert.Equal(t, AnnounceFormat, start.AudioFormat)

	last := events[len(events)-1]
	assert.Equal(t, wyoming.TypeAudioStop, last.Type)
	assert.Nil(t, wyoming.AudioStopFromEvent(last).Timestamp)

	var samples, elapsed int
	for i, c := range chunks(t, events) {
		assert.LessOrEqual(t, len(c.Audio), announceChunkBytes)
		assert.Equal(t, elapsed, c.Timestamp, "chunk %d", i)
		samples += c.Samples()
		elapsed += c.Milliseconds()
	}
	assert.Equal(t, 22050, samples)
	assert.Equal(t, len(events)-2, len(chunks(t, events)))

	// 21 chunks of 46ms and a 546-sample tail of 24ms.
	assert.Equal(t, 990, elapsed)

	// Deadline is the streamed 990ms plus 0.5s grace.
	clk.Advance(1489 * time.Millisecond)
	requireNotDone(t, done)

	clk.Advance(time.Millisecond)
	assert.NoError(t, requireDone(t, done))
}

func TestAnnounce_PlayedReturnsEarly(t *testing.T) {
	w := &recordingWriter{}
	dec := &fakeDecoder{media: map[string][]byte{"main": pcm(1000)}}
	start := time.Now()
	clk := clock.NewMock(start)
	s := newTestStreamer(w, dec, clk, nil)

	done := runAnnounce(s, Announcement{MediaID: "main"})
	require.True(t, clk.WaitForTimers(1, 2*time.Second))

	clk.Advance(300 * time.Millisecond)
	requireNotDone(t, done)

	s.Played()
	assert.NoError(t, requireDone(t, done))
	assert.Equal(t, 300*time.Millisecond, clk.Since(start))
}

func TestAnnounce_PlayedClearedAtStart(t *testing.T) {
	w := &recordingWriter{}
	dec := &fakeDecoder{media: map[string][]byte{"main": pcm(200)}}
	clk := clock.NewMock(time.Now())
	s := newTestStreamer(w, dec, clk, nil)

	// A played event left over from an earlier stream must not end this one.
	s.Played()

	done := runAnnounce(s, Announcement{MediaID: "main"})
	require.True(t, clk.WaitForTimers(1, 2*time.Second))
	requireNotDone(t, done)

	clk.Advance(700 * time.Millisecond)
	assert.NoError(t, requireDone(t, done))
}

func TestAnnounce_PreannounceTimestampsContinue(t *testing.T) {
	var s *Streamer
	w := &recordingWriter{onEvent: func(ev wyoming.Event) {
		if ev.Type == wyoming.TypeAudioStop {
			s.Played()
		}
	}}
	dec := &fakeDecoder{media: map[string][]byte{
		"chime": pcm(100),
		"main":  pcm(500),
	}}
	s = newTestStreamer(w, dec, clock.NewMock(time.Now()), nil)

	require.NoError(t, s.Announce(context.Background(), Announcement{PreannounceMediaID: "chime", MediaID: "main"}))

	assert.Equal(t, []string{"chime", "main"}, dec.calls)

	var elapsed int
	for i, c := range chunks(t, w.Events()) {
		assert.Equal(t, elapsed, c.Timestamp, "chunk %d", i)
		elapsed += c.Milliseconds()
	}
	// chime: 92ms + 7ms tail, main: 460ms + 35ms tail.
	assert.Equal(t, 594, elapsed)
}

func TestAnnounce_DecoderFailureStillStops(t *testing.T) {
	w := &recordingWriter{}
	spawnErr := errors.New("exec: ffmpeg not found")
	dec := &fakeDecoder{fail: map[string]error{"main": spawnErr}}
	clk := clock.NewMock(time.Now())
	s := newTestStreamer(w, dec, clk, nil)

	err := s.Announce(context.Background(), Announcement{MediaID: "main"})

	assert.ErrorIs(t, err, spawnErr)
	assert.Equal(t, []string{wyoming.TypeAudioStart, wyoming.TypeAudioStop}, w.Types())
	assert.Equal(t, 0, clk.Pending(), "nothing played, nothing to wait for")
}

func TestAnnounce_DecoderStreamErrorEndsStream(t *testing.T) {
	var s *Streamer
	w := &recordingWriter{onEvent: func(ev wyoming.Event) {
		if ev.Type == wyoming.TypeAudioStop {
			s.Played()
		}
	}}
	dec := &fakeDecoder{
		media:   map[string][]byte{"main": pcm(100)},
		readErr: map[string]error{"main": errors.New("broken pipe")},
	}
	s = newTestStreamer(w, dec, clock.NewMock(time.Now()), nil)

	require.NoError(t, s.Announce(context.Background(), Announcement{MediaID: "main"}))

	types := w.Types()
	assert.Equal(t, wyoming.TypeAudioStart, types[0])
	assert.Equal(t, wyoming.TypeAudioStop, types[len(types)-1])
	assert.NotEmpty(t, chunks(t, w.Events()))
}

func TestAnnounce_ChunkTimestampsProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("each timestamp is the sum of the prior chunk durations", prop.ForAll(
		func(frames int) bool {
			var s *Streamer
			w := &recordingWriter{onEvent: func(ev wyoming.Event) {
				if ev.Type == wyoming.TypeAudioStop {
					s.Played()
				}
			}}
			dec := &fakeDecoder{media: map[string][]byte{"main": make([]byte, frames*2)}}
			s = newTestStreamer(w, dec, clock.NewMock(time.Now()), nil)

			if err := s.Announce(context.Background(), Announcement{MediaID: "main"}); err != nil {
				return false
			}

			var seen, elapsed int
			for _, ev := range w.Events() {
				if ev.Type != wyoming.TypeAudioChunk {
					continue
				}
				c, err := wyoming.AudioChunkFromEvent(ev)
				if err != nil {
					return false
				}
				if c.Timestamp != elapsed {
					return false
				}
				elapsed += c.Milliseconds()
				seen += c.Samples()
			}
			return seen == frames
		},
		gen.IntRange(0, 30000),
	))

	properties.TestingRun(t)
}

func TestAnnounce_StreamingLockSerialises(t *testing.T) {
	w := &recordingWriter{}
	dec := &fakeDecoder{media: map[string][]byte{"main": pcm(1000)}}
	clk := clock.NewMock(time.Now())
	s := newTestStreamer(w, dec, clk, nil)

	done := runAnnounce(s, Announcement{MediaID: "main"})
	require.True(t, clk.WaitForTimers(1, 2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.StreamTTS(ctx, "run-1", TTSResult{Extension: "wav", Data: wavBytes(t, 16000, 100)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Played()
	require.NoError(t, requireDone(t, done))
}

// wavBytes encodes a silent mono 16-bit WAV file with the given number of frames.
func wavBytes(t *testing.T, rate, frames int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tts.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, frames),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = (i % 200) - 100
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestStreamTTS_RejectsNonWAV(t *testing.T) {
	tests := []struct {
		name   string
		result TTSResult
	}{
		{"mp3 extension", TTSResult{Extension: "mp3", Data: []byte("ID3...")}},
		{"wav extension with garbage", TTSResult{Extension: "wav", Data: []byte("definitely not RIFF")}},
		{"empty", TTSResult{Extension: "wav"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{}
			clk := clock.NewMock(time.Now())
			s := newTestStreamer(w, nil, clk, nil)

			err := s.StreamTTS(context.Background(), "run-1", tt.result)
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
			assert.Empty(t, w.Events())
			assert.Equal(t, 0, clk.Pending())
		})
	}
}

func TestStreamTTS_StreamsChunksAndSchedulesTimeout(t *testing.T) {
	w := &recordingWriter{}
	clk := clock.NewMock(time.Now())

	fired := make(chan string, 4)
	s := newTestStreamer(w, nil, clk, func(runID string) { fired <- runID })

	require.NoError(t, s.StreamTTS(context.Background(), "run-1", TTSResult{Extension: "wav", Data: wavBytes(t, 22050, 2500)}))

	events := w.Events()
	require.Len(t, events, 5)

	start, err := wyoming.AudioStartFromEvent(events[0])
	require.NoError(t, err)
	assert.Equal(t, wyoming.AudioFormat{Rate: 22050, Width: 2, Channels: 1}, start.AudioFormat)

	cs := chunks(t, events)
	require.Len(t, cs, 3)
	assert.Equal(t, []int{1024, 1024, 452}, []int{cs[0].Samples(), cs[1].Samples(), cs[2].Samples()})
	// Each chunk advances the timestamp by its own whole milliseconds: 46, 46, 20.
	assert.Equal(t, []int{0, 46, 92}, []int{cs[0].Timestamp, cs[1].Timestamp, cs[2].Timestamp})

	stop := wyoming.AudioStopFromEvent(events[4])
	require.NotNil(t, stop.Timestamp)
	assert.Equal(t, 112, *stop.Timestamp)

	// 112ms of streamed audio plus one second.
	clk.Advance(1111 * time.Millisecond)
	assert.Empty(t, fired)

	clk.Advance(time.Millisecond)
	select {
	case runID := <-fired:
		assert.Equal(t, "run-1", runID)
	default:
		t.Fatal("TTS timeout did not fire")
	}
}

func TestStreamTTS_NewerRunSupersedesTimeout(t *testing.T) {
	w := &recordingWriter{}
	clk := clock.NewMock(time.Now())

	var mu sync.Mutex
	var fired []string
	s := newTestStreamer(w, nil, clk, func(runID string) {
		mu.Lock()
		fired = append(fired, runID)
		mu.Unlock()
	})

	data := wavBytes(t, 16000, 1600)
	require.NoError(t, s.StreamTTS(context.Background(), "run-a", TTSResult{Extension: "wav", Data: data}))
	clk.Advance(500 * time.Millisecond)
	require.NoError(t, s.StreamTTS(context.Background(), "run-b", TTSResult{Extension: "wav", Data: data}))

	clk.Advance(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"run-b"}, fired)
}

func TestStreamTTS_StaleCallbackIgnored(t *testing.T) {
	clk := clock.NewMock(time.Now())
	fired := 0
	s := newTestStreamer(&recordingWriter{}, nil, clk, func(string) { fired++ })

	s.supersedeTTSTimeout("run-b")
	s.fireTTSTimeout("run-a")
	assert.Equal(t, 0, fired)

	s.fireTTSTimeout("run-b")
	assert.Equal(t, 1, fired)
}

func TestCancelTTSTimeout(t *testing.T) {
	clk := clock.NewMock(time.Now())
	fired := false
	s := newTestStreamer(&recordingWriter{}, nil, clk, func(string) { fired = true })

	require.NoError(t, s.StreamTTS(context.Background(), "run-1", TTSResult{Extension: "wav", Data: wavBytes(t, 16000, 800)}))
	s.CancelTTSTimeout()

	clk.Advance(10 * time.Second)
	assert.False(t, fired)
}

func TestFFmpegDecoder_Args(t *testing.T) {
	d := NewFFmpegDecoder("", zap.NewNop())
	assert.Equal(t, "ffmpeg", d.Binary)
	assert.Equal(t,
		[]string{"-i", "http://ha/local/chime.mp3", "-f", "s16le", "-ac", "1", "-ar", "22050", "-nostats", "pipe:"},
		d.Args("http://ha/local/chime.mp3", AnnounceFormat))
}

func TestFFmpegDecoder_MissingBinary(t *testing.T) {
	d := NewFFmpegDecoder(filepath.Join(t.TempDir(), "no-such-ffmpeg"), zap.NewNop())
	_, err := d.Decode(context.Background(), "x.mp3", AnnounceFormat)
	assert.Error(t, err)
}
