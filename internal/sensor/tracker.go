// Package sensor keeps the latest derived state of a satellite (status report,
// last transcript, last spoken response) from its broadcast channel.
package sensor

import (
	"context"
	"maps"
	"sync"
	"time"

	"vaca/internal/broadcast"

	"go.uber.org/zap"
)

// Unknown is the value of a text sensor that never received a value.
const Unknown = "unknown"

const maxTextLength = 254

// Subscriber is the subscribing side of the broadcast bus.
type Subscriber interface {
	Subscribe(ctx context.Context, deviceID string) (<-chan broadcast.Update, error)
}

// Snapshot is a copy of a tracker's state.
type Snapshot struct {
	DeviceID    string         `json:"device_id"`
	Connected   bool           `json:"connected"`
	STT         string         `json:"stt"`
	TTS         string         `json:"tts"`
	Responding  bool           `json:"responding"`
	Status      map[string]any `json:"status"`
	DeviceInfo  map[string]any `json:"device_info,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Tracker consumes one device's updates.
type Tracker struct {
	deviceID string
	logger   *zap.Logger

	mu    sync.RWMutex
	state Snapshot
}

// NewTracker creates a tracker for deviceID.
func NewTracker(deviceID string, logger *zap.Logger) *Tracker {
	return &Tracker{
		deviceID: deviceID,
		logger:   logger.Named("sensor").With(zap.String("device_id", deviceID)),
		state: Snapshot{
			DeviceID: deviceID,
			STT:      Unknown,
			TTS:      Unknown,
			Status:   map[string]any{},
		},
	}
}

// Run applies updates until ctx is cancelled or the subscription ends.
func (t *Tracker) Run(ctx context.Context, sub Subscriber) error {
	updates, err := sub.Subscribe(ctx, t.deviceID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			t.Apply(u)
		}
	}
}

// Apply folds one update into the state. Updates for other devices are ignored.
func (t *Tracker) Apply(u broadcast.Update) {
	if u.DeviceID != t.deviceID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch u.Kind {
	case broadcast.KindStatus:
		for k, v := range u.Payload {
			t.state.Status[k] = v
		}
	case broadcast.KindSTT:
		if text := textOf(u.Payload); text != "" {
			t.state.STT = Truncate(text)
		}
	case broadcast.KindTTS:
		if text := textOf(u.Payload); text != "" {
			t.state.TTS = Truncate(text)
		}
		t.state.Responding = true
	case broadcast.KindTTSFinished:
		t.state.Responding = false
	case broadcast.KindDeviceInfo:
		t.state.DeviceInfo = maps.Clone(u.Payload)
	case broadcast.KindConnection:
		connected, _ := u.Payload["connected"].(bool)
		t.state.Connected = connected
	default:
		t.logger.Debug("Ignoring update", zap.String("kind", string(u.Kind)))
		return
	}
	t.state.LastUpdated = u.Time
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.state
	out.Status = maps.Clone(t.state.Status)
	out.DeviceInfo = maps.Clone(t.state.DeviceInfo)
	return out
}

// Truncate limits text to 254 characters, ending long text with "..".
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTextLength {
		return text
	}
	return string(runes[:maxTextLength-2]) + ".."
}

func textOf(payload map[string]any) string {
	text, _ := payload["text"].(string)
	return text
}
