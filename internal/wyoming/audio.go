package wyoming

const (
	TypeAudioStart = "audio-start"
	TypeAudioChunk = "audio-chunk"
	TypeAudioStop  = "audio-stop"
)

// AudioFormat describes raw PCM audio.
type AudioFormat struct {
	Rate     int
	Width    int
	Channels int
}

// BytesPerFrame is the size of one sample across all channels.
func (f AudioFormat) BytesPerFrame() int {
	return f.Width * f.Channels
}

// Frames returns how many whole frames n bytes of audio hold.
func (f AudioFormat) Frames(n int) int {
	if f.BytesPerFrame() <= 0 {
		return 0
	}
	return n / f.BytesPerFrame()
}

// Milliseconds converts a frame count to whole milliseconds.
func (f AudioFormat) Milliseconds(frames int64) int {
	if f.Rate <= 0 {
		return 0
	}
	return int(frames * 1000 / int64(f.Rate))
}

func (f AudioFormat) data(timestamp int) map[string]any {
	return map[string]any{
		"rate":      f.Rate,
		"width":     f.Width,
		"channels":  f.Channels,
		"timestamp": timestamp,
	}
}

func formatFromData(eventType string, data map[string]any) (AudioFormat, error) {
	rate, ok := IntField(data, "rate")
	if !ok {
		return AudioFormat{}, Malformed(eventType, "missing rate")
	}
	width, ok := IntField(data, "width")
	if !ok {
		return AudioFormat{}, Malformed(eventType, "missing width")
	}
	channels, ok := IntField(data, "channels")
	if !ok {
		return AudioFormat{}, Malformed(eventType, "missing channels")
	}
	return AudioFormat{Rate: rate, Width: width, Channels: channels}, nil
}

// AudioStart opens an audio stream.
type AudioStart struct {
	AudioFormat
	Timestamp int
}

func IsAudioStart(eventType string) bool { return eventType == TypeAudioStart }

func (a AudioStart) Event() Event {
	return New(TypeAudioStart, a.data(a.Timestamp))
}

// AudioStartFromEvent decodes an audio-start event.
func AudioStartFromEvent(ev Event) (AudioStart, error) {
	format, err := formatFromData(ev.Type, ev.Data)
	if err != nil {
		return AudioStart{}, err
	}
	ts, _ := IntField(ev.Data, "timestamp")
	return AudioStart{AudioFormat: format, Timestamp: ts}, nil
}

// AudioChunk carries raw PCM audio as the frame payload.
type AudioChunk struct {
	AudioFormat
	Audio     []byte
	Timestamp int
}

func IsAudioChunk(eventType string) bool { return eventType == TypeAudioChunk }

// Samples is the number of frames in the chunk.
func (c AudioChunk) Samples() int {
	return c.Frames(len(c.Audio))
}

// Milliseconds is the chunk duration in whole milliseconds.
func (c AudioChunk) Milliseconds() int {
	return c.AudioFormat.Milliseconds(int64(c.Samples()))
}

// Seconds is the chunk duration in seconds.
func (c AudioChunk) Seconds() float64 {
	if c.Rate <= 0 {
		return 0
	}
	return float64(c.Samples()) / float64(c.Rate)
}

func (c AudioChunk) Event() Event {
	ev := New(TypeAudioChunk, c.data(c.Timestamp))
	ev.Payload = c.Audio
	return ev
}

// AudioChunkFromEvent decodes an audio-chunk event.
func AudioChunkFromEvent(ev Event) (AudioChunk, error) {
	format, err := formatFromData(ev.Type, ev.Data)
	if err != nil {
		return AudioChunk{}, err
	}
	ts, _ := IntField(ev.Data, "timestamp")
	return AudioChunk{AudioFormat: format, Audio: ev.Payload, Timestamp: ts}, nil
}

// AudioStop closes an audio stream. The timestamp is optional.
type AudioStop struct {
	Timestamp *int
}

func IsAudioStop(eventType string) bool { return eventType == TypeAudioStop }

func (a AudioStop) Event() Event {
	data := map[string]any{}
	if a.Timestamp != nil {
		data["timestamp"] = *a.Timestamp
	}
	return New(TypeAudioStop, data)
}

// AudioStopFromEvent decodes an audio-stop event.
func AudioStopFromEvent(ev Event) AudioStop {
	if ts, ok := IntField(ev.Data, "timestamp"); ok {
		return AudioStop{Timestamp: &ts}
	}
	return AudioStop{}
}
