package custom

import "vaca/internal/wyoming"

type decoder func(wyoming.Event) (Message, error)

func wrap[T Message](decode func(wyoming.Event) (T, error)) decoder {
	return func(ev wyoming.Event) (Message, error) {
		msg, err := decode(ev)
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

var decoders = map[string]decoder{
	TypeCustomSettings: wrap(CustomSettingsFromEvent),
	TypeCustomAction:   wrap(CustomActionFromEvent),
	TypeMediaControl:   wrap(MediaPlayerControlFromEvent),
	TypeStatus:         wrap(DeviceStatusFromEvent),
}

// IsCustom reports whether the type tag belongs to one of the custom kinds.
func IsCustom(eventType string) bool {
	_, ok := decoders[eventType]
	return ok
}

// Decode dispatches an event to the decoder registered for its type tag.
// Unknown tags return ok=false and no error; the protocol is open and such
// events are passed through untouched.
func Decode(ev wyoming.Event) (msg Message, ok bool, err error) {
	decode, found := decoders[ev.Type]
	if !found {
		return nil, false, nil
	}
	msg, err = decode(ev)
	if err != nil {
		return nil, true, err
	}
	return msg, true, nil
}
