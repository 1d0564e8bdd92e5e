package ha

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"vaca/internal/audio"
	"vaca/internal/pipeline"
)

// FiredEvent records a FireEvent call for testing
type FiredEvent struct {
	EventType string
	Data      map[string]any
	Time      time.Time
}

// MockClient stands in for Home Assistant in tests. Pipeline runs are driven by
// the test through MockRun.Emit.
type MockClient struct {
	mu       sync.Mutex
	runs     []*MockRun
	requests []pipeline.Request
	fired    []FiredEvent
	tts      map[string]audio.TTSResult
	runErr   error
	nextID   int
	runReady chan *MockRun
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		tts:      make(map[string]audio.TTSResult),
		runReady: make(chan *MockRun, 16),
	}
}

// SetRunError makes RunPipeline fail with err
func (m *MockClient) SetRunError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runErr = err
}

// SetTTS registers the audio FetchTTS returns for url
func (m *MockClient) SetTTS(url string, result audio.TTSResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tts[url] = result
}

// RunPipeline records the request and returns a run the test controls
func (m *MockClient) RunPipeline(ctx context.Context, req pipeline.Request) (pipeline.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runErr != nil {
		return nil, m.runErr
	}

	m.nextID++
	run := &MockRun{
		id:      strconv.Itoa(m.nextID),
		Request: req,
		events:  make(chan pipeline.Event, 32),
	}
	m.runs = append(m.runs, run)
	m.requests = append(m.requests, req)

	select {
	case m.runReady <- run:
	default:
	}
	return run, nil
}

// WaitForRun waits for the next pipeline run to start
func (m *MockClient) WaitForRun(timeout time.Duration) (*MockRun, bool) {
	select {
	case run := <-m.runReady:
		return run, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Requests returns every pipeline request made so far
func (m *MockClient) Requests() []pipeline.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.Request(nil), m.requests...)
}

// FireEvent records the event
func (m *MockClient) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired = append(m.fired, FiredEvent{EventType: eventType, Data: data, Time: time.Now()})
	return nil
}

// FiredEvents returns every fired event
func (m *MockClient) FiredEvents() []FiredEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FiredEvent(nil), m.fired...)
}

// FetchTTS returns the audio registered with SetTTS
func (m *MockClient) FetchTTS(ctx context.Context, url string) (audio.TTSResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.tts[url]
	if !ok {
		return audio.TTSResult{}, fmt.Errorf("failed to fetch TTS audio: 404 Not Found")
	}
	return result, nil
}

// ResolveMediaURL prefixes relative paths with a fixed host
func (m *MockClient) ResolveMediaURL(mediaID string) string {
	if len(mediaID) > 0 && mediaID[0] == '/' {
		return "http://homeassistant.local:8123" + mediaID
	}
	return mediaID
}

// MockRun is a pipeline run driven by a test
type MockRun struct {
	id      string
	Request pipeline.Request
	events  chan pipeline.Event

	mu     sync.Mutex
	audio  [][]byte
	ended  bool
	closed bool
}

func (r *MockRun) ID() string { return r.id }

func (r *MockRun) Events() <-chan pipeline.Event { return r.events }

func (r *MockRun) SendAudio(ctx context.Context, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, append([]byte(nil), chunk...))
	return nil
}

func (r *MockRun) EndAudio(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	return nil
}

func (r *MockRun) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}

// Emit delivers a pipeline event; run-end closes the run
func (r *MockRun) Emit(eventType pipeline.EventType, data map[string]any) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.events <- pipeline.Event{Type: eventType, Data: data}
	r.mu.Unlock()

	if eventType == pipeline.EventRunEnd {
		r.Close()
	}
}

// AudioChunks returns the audio received so far
func (r *MockRun) AudioChunks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.audio...)
}

// AudioEnded reports whether EndAudio was called
func (r *MockRun) AudioEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Closed reports whether the run was closed
func (r *MockRun) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
