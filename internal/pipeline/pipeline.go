// Package pipeline describes a speech pipeline run (wake word, speech-to-text,
// intent handling, text-to-speech) independently of the service that executes it.
package pipeline

import (
	"context"
	"time"

	"vaca/internal/wyoming"
)

// Stage is a pipeline stage in Home Assistant's naming.
type Stage string

const (
	StageWakeWord Stage = "wake_word"
	StageSTT      Stage = "stt"
	StageIntent   Stage = "intent"
	StageTTS      Stage = "tts"
)

// FromWyoming maps a Wyoming pipeline stage to a Stage.
func FromWyoming(s wyoming.PipelineStage) Stage {
	switch s {
	case wyoming.StageWake:
		return StageWakeWord
	case wyoming.StageASR:
		return StageSTT
	case wyoming.StageHandle:
		return StageIntent
	default:
		return StageTTS
	}
}

// EventType is the type of a pipeline event.
type EventType string

const (
	EventRunStart       EventType = "run-start"
	EventRunEnd         EventType = "run-end"
	EventWakeStart      EventType = "wake_word-start"
	EventWakeEnd        EventType = "wake_word-end"
	EventSTTStart       EventType = "stt-start"
	EventSTTVADStart    EventType = "stt-vad-start"
	EventSTTVADEnd      EventType = "stt-vad-end"
	EventSTTEnd         EventType = "stt-end"
	EventIntentStart    EventType = "intent-start"
	EventIntentProgress EventType = "intent-progress"
	EventIntentEnd      EventType = "intent-end"
	EventTTSStart       EventType = "tts-start"
	EventTTSEnd         EventType = "tts-end"
	EventError          EventType = "error"
)

// Event is one progress report of a run.
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Request starts a run.
type Request struct {
	PipelineID     string
	StartStage     Stage
	EndStage       Stage
	SampleRate     int
	ConversationID string
	DeviceID       string
	Timeout        time.Duration
}

// Run is an active pipeline run. Events is closed after run-end or when the run
// fails.
type Run interface {
	ID() string
	Events() <-chan Event

	// SendAudio forwards microphone audio to the run.
	SendAudio(ctx context.Context, audio []byte) error

	// EndAudio signals the end of microphone audio.
	EndAudio(ctx context.Context) error

	// Close stops listening for events.
	Close()
}

// Runner starts pipeline runs.
type Runner interface {
	RunPipeline(ctx context.Context, req Request) (Run, error)
}

// STTText extracts the transcript from an stt-end event.
func (e Event) STTText() string {
	out, _ := e.Data["stt_output"].(map[string]any)
	text, _ := out["text"].(string)
	return text
}

// TTSInput extracts the text to speak from a tts-start event.
func (e Event) TTSInput() string {
	text, _ := e.Data["tts_input"].(string)
	return text
}

// TTSURL extracts the audio URL from a tts-end event.
func (e Event) TTSURL() string {
	out, _ := e.Data["tts_output"].(map[string]any)
	url, _ := out["url"].(string)
	return url
}

// ErrorInfo extracts the code and message of an error event.
func (e Event) ErrorInfo() (code, message string) {
	code, _ = e.Data["code"].(string)
	message, _ = e.Data["message"].(string)
	return code, message
}
