package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"vaca/internal/pipeline"

	"go.uber.org/zap"
)

// ErrNoAudioInput is returned when audio is sent to a run that does not start with
// speech-to-text.
var ErrNoAudioInput = errors.New("pipeline run does not accept audio")

const defaultSampleRate = 16000

// RunPipeline starts an assist pipeline run. Events are delivered on the returned
// run until run-end.
func (c *Client) RunPipeline(ctx context.Context, req pipeline.Request) (pipeline.Run, error) {
	msgID := c.nextMsgID()
	run := newPipelineRun(c, msgID)

	c.runsMu.Lock()
	c.runs[msgID] = run
	c.runsMu.Unlock()

	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}

	msg := &RunPipelineRequest{
		ID:             msgID,
		Type:           "assist_pipeline/run",
		StartStage:     string(req.StartStage),
		EndStage:       string(req.EndStage),
		Pipeline:       req.PipelineID,
		ConversationID: req.ConversationID,
		DeviceID:       req.DeviceID,
		Timeout:        req.Timeout.Seconds(),
	}
	if req.StartStage == pipeline.StageWakeWord || req.StartStage == pipeline.StageSTT {
		msg.Input = map[string]any{"sample_rate": sampleRate}
	}

	if _, err := c.sendMessage(ctx, msgID, msg); err != nil {
		run.Close()
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	c.logger.Debug("Pipeline run started",
		zap.Int("msg_id", msgID),
		zap.String("start_stage", msg.StartStage),
		zap.String("end_stage", msg.EndStage))
	return run, nil
}

func (c *Client) unregisterRun(msgID int) {
	c.runsMu.Lock()
	delete(c.runs, msgID)
	c.runsMu.Unlock()
}

// closeRuns ends every active run, used when the connection drops
func (c *Client) closeRuns() {
	c.runsMu.Lock()
	runs := make([]*pipelineRun, 0, len(c.runs))
	for _, run := range c.runs {
		runs = append(runs, run)
	}
	c.runsMu.Unlock()

	for _, run := range runs {
		run.Close()
	}
}

// pipelineRun is one assist_pipeline/run subscription
type pipelineRun struct {
	client *Client
	msgID  int
	events chan pipeline.Event

	mu        sync.Mutex
	closed    bool
	handlerID *int
	ready     chan struct{}
	readyOnce sync.Once
}

func newPipelineRun(c *Client, msgID int) *pipelineRun {
	return &pipelineRun{
		client: c,
		msgID:  msgID,
		events: make(chan pipeline.Event, 32),
		ready:  make(chan struct{}),
	}
}

func (r *pipelineRun) ID() string {
	return strconv.Itoa(r.msgID)
}

func (r *pipelineRun) Events() <-chan pipeline.Event {
	return r.events
}

func (r *pipelineRun) deliver(raw json.RawMessage) {
	ev, err := decodeEvent[pipeline.Event](raw)
	if err != nil {
		r.client.logger.Warn("Failed to decode pipeline event", zap.Int("msg_id", r.msgID), zap.Error(err))
		return
	}

	if ev.Type == pipeline.EventRunStart {
		r.setHandler(ev.Data)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	select {
	case r.events <- ev:
	default:
		r.client.logger.Warn("Pipeline event dropped, consumer too slow",
			zap.Int("msg_id", r.msgID),
			zap.String("type", string(ev.Type)))
	}
	r.mu.Unlock()

	if ev.Type == pipeline.EventRunEnd {
		r.Close()
	}
}

func (r *pipelineRun) setHandler(data map[string]any) {
	raw, err := json.Marshal(data)
	if err == nil {
		if start, err := decodeEvent[runStartData](raw); err == nil {
			r.mu.Lock()
			r.handlerID = start.RunnerData.STTBinaryHandlerID
			r.mu.Unlock()
		}
	}
	r.readyOnce.Do(func() { close(r.ready) })
}

// waitHandler blocks until run-start arrived and returns the binary handler id
func (r *pipelineRun) waitHandler(ctx context.Context) (byte, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("pipeline run %d: %w", r.msgID, ErrNotConnected)
	}
	if r.handlerID == nil {
		return 0, ErrNoAudioInput
	}
	return byte(*r.handlerID), nil
}

func (r *pipelineRun) SendAudio(ctx context.Context, audio []byte) error {
	handler, err := r.waitHandler(ctx)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(audio)+1)
	frame = append(frame, handler)
	frame = append(frame, audio...)
	return r.client.writeBinary(frame)
}

func (r *pipelineRun) EndAudio(ctx context.Context) error {
	handler, err := r.waitHandler(ctx)
	if err != nil {
		return err
	}
	return r.client.writeBinary([]byte{handler})
}

func (r *pipelineRun) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	r.readyOnce.Do(func() { close(r.ready) })
	r.client.unregisterRun(r.msgID)
}
