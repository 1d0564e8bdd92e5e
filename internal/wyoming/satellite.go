package wyoming

const (
	TypeRunSatellite = "run-satellite"
	TypePlayed       = "played"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeRunPipeline  = "run-pipeline"
	TypeTranscript   = "transcript"
	TypeSynthesize   = "synthesize"
	TypeError        = "error"
)

// RunSatellite tells the satellite that the server is ready and it may start streaming.
type RunSatellite struct{}

func IsRunSatellite(eventType string) bool { return eventType == TypeRunSatellite }

func (RunSatellite) Event() Event { return New(TypeRunSatellite, nil) }

// Played is sent by the satellite once queued audio has finished playing.
type Played struct{}

func IsPlayed(eventType string) bool { return eventType == TypePlayed }

func (Played) Event() Event { return New(TypePlayed, nil) }

// Ping is a keepalive request; the peer answers with Pong echoing the text.
type Ping struct {
	Text string
}

func (p Ping) Event() Event {
	data := map[string]any{}
	if p.Text != "" {
		data["text"] = p.Text
	}
	return New(TypePing, data)
}

type Pong struct {
	Text string
}

func IsPong(eventType string) bool { return eventType == TypePong }

func (p Pong) Event() Event {
	data := map[string]any{}
	if p.Text != "" {
		data["text"] = p.Text
	}
	return New(TypePong, data)
}

// PipelineStage names a stage of the speech pipeline in Wyoming terms.
type PipelineStage string

const (
	StageWake   PipelineStage = "wake"
	StageASR    PipelineStage = "asr"
	StageHandle PipelineStage = "handle"
	StageTTS    PipelineStage = "tts"
)

func (s PipelineStage) valid() bool {
	switch s {
	case StageWake, StageASR, StageHandle, StageTTS:
		return true
	}
	return false
}

// RunPipeline asks for a pipeline run over a stage range.
type RunPipeline struct {
	StartStage   PipelineStage
	EndStage     PipelineStage
	RestartOnEnd bool
}

func IsRunPipeline(eventType string) bool { return eventType == TypeRunPipeline }

func (r RunPipeline) Event() Event {
	return New(TypeRunPipeline, map[string]any{
		"start_stage":    string(r.StartStage),
		"end_stage":      string(r.EndStage),
		"restart_on_end": r.RestartOnEnd,
	})
}

// RunPipelineFromEvent decodes a run-pipeline event.
func RunPipelineFromEvent(ev Event) (RunPipeline, error) {
	start, ok := StringField(ev.Data, "start_stage")
	if !ok || !PipelineStage(start).valid() {
		return RunPipeline{}, Malformed(ev.Type, "invalid start_stage %v", ev.Data["start_stage"])
	}
	end, ok := StringField(ev.Data, "end_stage")
	if !ok || !PipelineStage(end).valid() {
		return RunPipeline{}, Malformed(ev.Type, "invalid end_stage %v", ev.Data["end_stage"])
	}
	restart, _ := BoolField(ev.Data, "restart_on_end")
	return RunPipeline{
		StartStage:   PipelineStage(start),
		EndStage:     PipelineStage(end),
		RestartOnEnd: restart,
	}, nil
}

// Transcript carries the speech-to-text result back to the satellite.
type Transcript struct {
	Text string
}

func (t Transcript) Event() Event {
	return New(TypeTranscript, map[string]any{"text": t.Text})
}

// Synthesize announces the text about to be spoken.
type Synthesize struct {
	Text string
}

func (s Synthesize) Event() Event {
	return New(TypeSynthesize, map[string]any{"text": s.Text})
}

// Error reports a pipeline failure to the satellite.
type Error struct {
	Text string
	Code string
}

func (e Error) Event() Event {
	data := map[string]any{"text": e.Text}
	if e.Code != "" {
		data["code"] = e.Code
	}
	return New(TypeError, data)
}
