package satellite

import (
	"context"
	"sync"

	"vaca/internal/broadcast"
	"vaca/internal/pipeline"
	"vaca/internal/wyoming"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IntentEventType is fired on the Home Assistant bus after intent handling.
const IntentEventType = "vaca_intent_event"

// micSampleRate is the rate satellites stream microphone audio at.
const micSampleRate = 16000

// activeRun is the pipeline run currently fed by the satellite microphone.
type activeRun struct {
	id      string
	run     pipeline.Run
	request wyoming.RunPipeline
	parent  context.Context
	cancel  context.CancelFunc

	audio     chan []byte
	audioEnd  chan struct{}
	micStop   chan struct{}
	endOnce   sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	preempted bool
}

func (r *activeRun) acceptsAudio() bool {
	return r.audio != nil
}

// endAudio marks the satellite's audio stream finished.
func (r *activeRun) endAudio() {
	r.endOnce.Do(func() { close(r.audioEnd) })
}

// stopMic stops forwarding audio without ending the stream.
func (r *activeRun) stopMic() {
	r.stopOnce.Do(func() { close(r.micStop) })
}

func (r *activeRun) preempt() {
	r.mu.Lock()
	r.preempted = true
	r.mu.Unlock()
	r.cancel()
}

func (r *activeRun) wasPreempted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preempted
}

// startRun starts a pipeline run for rp on the current session, replacing the
// active run.
func (s *Satellite) startRun(rp wyoming.RunPipeline) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.runMu.Lock()
	parent := s.sessionCtx
	if parent == nil {
		s.runMu.Unlock()
		s.logger.Debug("No session, not starting pipeline")
		return
	}
	s.runWG.Add(1)
	s.runMu.Unlock()
	defer s.runWG.Done()

	s.stopRun()

	startStage := pipeline.FromWyoming(rp.StartStage)
	req := pipeline.Request{
		PipelineID: s.opts.PipelineID,
		StartStage: startStage,
		EndStage:   pipeline.FromWyoming(rp.EndStage),
		SampleRate: micSampleRate,
		DeviceID:   s.opts.ID,
	}

	ctx, cancel := context.WithCancel(parent)
	run, err := s.ha.RunPipeline(ctx, req)
	if err != nil {
		cancel()
		s.logger.Error("Failed to start pipeline", zap.Error(err))
		s.submit(wyoming.Error{Text: err.Error(), Code: "pipeline-start-failed"}.Event())
		return
	}

	ar := &activeRun{
		id:       uuid.NewString(),
		run:      run,
		request:  rp,
		parent:   parent,
		cancel:   cancel,
		audioEnd: make(chan struct{}),
		micStop:  make(chan struct{}),
	}
	if startStage == pipeline.StageWakeWord || startStage == pipeline.StageSTT {
		ar.audio = make(chan []byte, micQueueSize)
	}

	s.runMu.Lock()
	if s.sessionCtx != parent {
		s.runMu.Unlock()
		cancel()
		run.Close()
		return
	}
	s.active = ar
	s.runWG.Add(2)
	s.runMu.Unlock()

	s.logger.Info("Pipeline run started",
		zap.String("run_id", ar.id),
		zap.String("start_stage", string(req.StartStage)),
		zap.String("end_stage", string(req.EndStage)),
		zap.Bool("restart_on_end", rp.RestartOnEnd))

	go func() {
		defer s.runWG.Done()
		s.pumpAudio(ctx, ar)
	}()
	go func() {
		defer s.runWG.Done()
		s.handleRunEvents(ctx, ar)
	}()
}

// stopRun ends the active run, if any, without restarting it.
func (s *Satellite) stopRun() {
	s.runMu.Lock()
	ar := s.active
	s.active = nil
	s.runMu.Unlock()

	if ar != nil {
		ar.preempt()
		ar.run.Close()
	}
}

func (s *Satellite) currentRun() *activeRun {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.active
}

// forwardAudio passes microphone audio to the active run without blocking.
func (s *Satellite) forwardAudio(chunk wyoming.AudioChunk) {
	ar := s.currentRun()
	if ar == nil || !ar.acceptsAudio() {
		return
	}
	select {
	case ar.audio <- chunk.Audio:
	default:
		s.logger.Warn("Microphone queue full, dropping audio", zap.String("run_id", ar.id))
	}
}

func (s *Satellite) endAudio() {
	if ar := s.currentRun(); ar != nil {
		ar.endAudio()
	}
}

func (s *Satellite) pumpAudio(ctx context.Context, ar *activeRun) {
	if !ar.acceptsAudio() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ar.micStop:
			return
		case chunk := <-ar.audio:
			if err := ar.run.SendAudio(ctx, chunk); err != nil {
				s.logger.Warn("Failed to send audio", zap.String("run_id", ar.id), zap.Error(err))
				return
			}
		case <-ar.audioEnd:
			for {
				select {
				case chunk := <-ar.audio:
					if err := ar.run.SendAudio(ctx, chunk); err != nil {
						s.logger.Warn("Failed to send audio", zap.String("run_id", ar.id), zap.Error(err))
						return
					}
				default:
					if err := ar.run.EndAudio(ctx); err != nil {
						s.logger.Warn("Failed to end audio", zap.String("run_id", ar.id), zap.Error(err))
					}
					return
				}
			}
		}
	}
}

func (s *Satellite) handleRunEvents(ctx context.Context, ar *activeRun) {
	defer s.finishRun(ar)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ar.run.Events():
			if !ok {
				return
			}
			s.handlePipelineEvent(ctx, ar, ev)
		}
	}
}

func (s *Satellite) handlePipelineEvent(ctx context.Context, ar *activeRun, ev pipeline.Event) {
	s.logger.Debug("Pipeline event", zap.String("run_id", ar.id), zap.String("type", string(ev.Type)))

	switch ev.Type {
	case pipeline.EventSTTEnd:
		ar.stopMic()
		text := ev.STTText()
		s.enqueueUpdate(broadcast.KindSTT, map[string]any{"text": text})
		s.submit(wyoming.Transcript{Text: text}.Event())

	case pipeline.EventTTSStart:
		text := ev.TTSInput()
		s.enqueueUpdate(broadcast.KindTTS, map[string]any{"text": text})
		s.submit(wyoming.Synthesize{Text: text}.Event())

	case pipeline.EventTTSEnd:
		url := ev.TTSURL()
		if url == "" {
			return
		}
		tts, err := s.ha.FetchTTS(ctx, url)
		if err != nil {
			s.logger.Error("Failed to fetch TTS audio", zap.String("url", url), zap.Error(err))
			return
		}
		if err := s.streamer.StreamTTS(ctx, ar.id, tts); err != nil {
			s.logger.Error("Failed to stream TTS audio", zap.String("run_id", ar.id), zap.Error(err))
		}

	case pipeline.EventIntentEnd:
		data := map[string]any{
			"device_id": s.opts.ID,
			"satellite": s.opts.Name,
		}
		if output, ok := ev.Data["intent_output"]; ok {
			data["intent_output"] = output
		}
		if err := s.ha.FireEvent(ctx, IntentEventType, data); err != nil {
			s.logger.Warn("Failed to fire intent event", zap.Error(err))
		}

	case pipeline.EventError:
		code, message := ev.ErrorInfo()
		s.logger.Warn("Pipeline error", zap.String("code", code), zap.String("message", message))
		ar.stopMic()
		s.submit(wyoming.Error{Text: message, Code: code}.Event())

	case pipeline.EventRunEnd:
		ar.stopMic()
	}
}

// finishRun clears ar and restarts it when the satellite asked for that.
func (s *Satellite) finishRun(ar *activeRun) {
	ar.stopMic()
	ar.run.Close()
	ar.cancel()

	s.runMu.Lock()
	current := s.active == ar
	if current {
		s.active = nil
	}
	sessionAlive := s.sessionCtx == ar.parent && ar.parent.Err() == nil
	s.runMu.Unlock()

	s.logger.Info("Pipeline run finished", zap.String("run_id", ar.id))

	if current && sessionAlive && ar.request.RestartOnEnd && !ar.wasPreempted() {
		go s.startRun(ar.request)
	}
}
