// Package custom holds the View Assist extensions to the Wyoming protocol: settings
// pushes, device actions, the legacy media control event and device status reports.
//
// Every kind is a variant of the closed Message type with exactly one encoder (Event)
// and one decoder (registered by type tag in Decode).
package custom

import (
	"maps"

	"vaca/internal/wyoming"
)

const (
	TypeCustomSettings = "custom-settings"
	TypeCustomAction   = "custom-action"
	TypeMediaControl   = "media-control"
	TypeStatus         = "status"
)

// Message is implemented by every custom event kind.
type Message interface {
	Event() wyoming.Event
	isMessage()
}

// CustomSettings pushes the satellite's settings mapping.
type CustomSettings struct {
	Settings map[string]any
}

func (CustomSettings) isMessage() {}

func IsCustomSettings(eventType string) bool { return eventType == TypeCustomSettings }

func (s CustomSettings) Event() wyoming.Event {
	return wyoming.New(TypeCustomSettings, map[string]any{
		"settings": maps.Clone(s.Settings),
	})
}

// CustomSettingsFromEvent decodes a custom-settings event.
func CustomSettingsFromEvent(ev wyoming.Event) (CustomSettings, error) {
	if !IsCustomSettings(ev.Type) {
		return CustomSettings{}, wyoming.Malformed(ev.Type, "not a %s event", TypeCustomSettings)
	}
	settings, ok := wyoming.MapField(ev.Data, "settings")
	if !ok {
		return CustomSettings{}, wyoming.Malformed(ev.Type, "missing settings")
	}
	return CustomSettings{Settings: settings}, nil
}

// CustomActionKind is the closed set of actions a satellite understands.
type CustomActionKind string

const (
	ActionGetDeviceInfo CustomActionKind = "get-device-info"
	ActionToastMessage  CustomActionKind = "toast-message"
	ActionPlayMedia     CustomActionKind = "play-media"
	ActionPlay          CustomActionKind = "play"
	ActionPause         CustomActionKind = "pause"
	ActionStop          CustomActionKind = "stop"
	ActionSetVolume     CustomActionKind = "set-volume"
)

// Valid reports whether the kind belongs to the closed set.
func (k CustomActionKind) Valid() bool {
	switch k {
	case ActionGetDeviceInfo, ActionToastMessage, ActionPlayMedia,
		ActionPlay, ActionPause, ActionStop, ActionSetVolume:
		return true
	}
	return false
}

// CustomAction asks the satellite to perform an action with an optional payload.
type CustomAction struct {
	Action  CustomActionKind
	Payload map[string]any
}

func (CustomAction) isMessage() {}

func IsCustomAction(eventType string) bool { return eventType == TypeCustomAction }

func (a CustomAction) Event() wyoming.Event {
	data := map[string]any{"action": string(a.Action)}
	if a.Payload != nil {
		data["payload"] = maps.Clone(a.Payload)
	}
	return wyoming.New(TypeCustomAction, data)
}

// CustomActionFromEvent decodes a custom-action event.
func CustomActionFromEvent(ev wyoming.Event) (CustomAction, error) {
	if !IsCustomAction(ev.Type) {
		return CustomAction{}, wyoming.Malformed(ev.Type, "not a %s event", TypeCustomAction)
	}
	action, ok := wyoming.StringField(ev.Data, "action")
	if !ok {
		return CustomAction{}, wyoming.Malformed(ev.Type, "missing action")
	}
	kind := CustomActionKind(action)
	if !kind.Valid() {
		return CustomAction{}, wyoming.Malformed(ev.Type, "unknown action %q", action)
	}
	payload, _ := wyoming.MapField(ev.Data, "payload")
	return CustomAction{Action: kind, Payload: payload}, nil
}

// MediaControlAction is an action of the legacy media-control event.
type MediaControlAction string

const (
	MediaPlay       MediaControlAction = "play"
	MediaPause      MediaControlAction = "pause"
	MediaStop       MediaControlAction = "stop"
	MediaNext       MediaControlAction = "next"
	MediaPrevious   MediaControlAction = "previous"
	MediaVolumeUp   MediaControlAction = "volume_up"
	MediaVolumeDown MediaControlAction = "volume_down"
)

func (a MediaControlAction) Valid() bool {
	switch a {
	case MediaPlay, MediaPause, MediaStop, MediaNext, MediaPrevious, MediaVolumeUp, MediaVolumeDown:
		return true
	}
	return false
}

// MediaPlayerControl is the legacy media command kept for older satellite builds.
// Value is a media URL or a number depending on the action.
type MediaPlayerControl struct {
	Action MediaControlAction
	Value  any
}

func (MediaPlayerControl) isMessage() {}

func IsMediaPlayerControl(eventType string) bool { return eventType == TypeMediaControl }

func (m MediaPlayerControl) Event() wyoming.Event {
	return wyoming.New(TypeMediaControl, map[string]any{
		"action": string(m.Action),
		"value":  m.Value,
	})
}

// MediaPlayerControlFromEvent decodes a media-control event.
func MediaPlayerControlFromEvent(ev wyoming.Event) (MediaPlayerControl, error) {
	if !IsMediaPlayerControl(ev.Type) {
		return MediaPlayerControl{}, wyoming.Malformed(ev.Type, "not a %s event", TypeMediaControl)
	}
	action, ok := wyoming.StringField(ev.Data, "action")
	if !ok || !MediaControlAction(action).Valid() {
		return MediaPlayerControl{}, wyoming.Malformed(ev.Type, "invalid action %v", ev.Data["action"])
	}
	return MediaPlayerControl{Action: MediaControlAction(action), Value: ev.Data["value"]}, nil
}

// DeviceStatus is a status report sent by the satellite (sensors, attributes).
type DeviceStatus struct {
	Status map[string]any
}

func (DeviceStatus) isMessage() {}

func IsDeviceStatus(eventType string) bool { return eventType == TypeStatus }

func (d DeviceStatus) Event() wyoming.Event {
	return wyoming.New(TypeStatus, map[string]any{"status": maps.Clone(d.Status)})
}

// DeviceStatusFromEvent decodes a status event.
func DeviceStatusFromEvent(ev wyoming.Event) (DeviceStatus, error) {
	if !IsDeviceStatus(ev.Type) {
		return DeviceStatus{}, wyoming.Malformed(ev.Type, "not a %s event", TypeStatus)
	}
	status, ok := wyoming.MapField(ev.Data, "status")
	if !ok {
		return DeviceStatus{}, wyoming.Malformed(ev.Type, "missing status")
	}
	return DeviceStatus{Status: status}, nil
}
