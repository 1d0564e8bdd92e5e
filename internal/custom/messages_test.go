package custom

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"

	"vaca/internal/wyoming"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSettings(keys []string, numbers []float64, flags []bool, texts []string) map[string]any {
	settings := make(map[string]any)
	for i, key := range keys {
		switch i % 3 {
		case 0:
			if len(numbers) > 0 {
				settings[key] = numbers[i%len(numbers)]
			}
		case 1:
			if len(flags) > 0 {
				settings[key] = flags[i%len(flags)]
			}
		default:
			if len(texts) > 0 {
				settings[key] = texts[i%len(texts)]
			}
		}
	}
	return settings
}

func TestCustomSettings_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(x)) == x", prop.ForAll(
		func(keys []string, numbers []float64, flags []bool, texts []string) bool {
			in := CustomSettings{Settings: buildSettings(keys, numbers, flags, texts)}

			out, err := CustomSettingsFromEvent(in.Event())
			if err != nil {
				return false
			}
			return reflect.DeepEqual(in, out)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Float64Range(-1e9, 1e9)),
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("round trip survives the wire", prop.ForAll(
		func(keys []string, numbers []float64, flags []bool, texts []string) bool {
			in := CustomSettings{Settings: buildSettings(keys, numbers, flags, texts)}

			var buf bytes.Buffer
			if err := wyoming.WriteEvent(&buf, in.Event()); err != nil {
				return false
			}
			ev, err := wyoming.ReadEvent(bufio.NewReader(&buf))
			if err != nil {
				return false
			}
			out, err := CustomSettingsFromEvent(ev)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(in, out)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Float64Range(-1e9, 1e9)),
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestCustomSettingsFromEvent_Errors(t *testing.T) {
	t.Run("wrong tag", func(t *testing.T) {
		_, err := CustomSettingsFromEvent(wyoming.New("custom-action", map[string]any{"settings": map[string]any{}}))
		assert.ErrorIs(t, err, wyoming.ErrMalformedEvent)
	})

	t.Run("missing settings", func(t *testing.T) {
		_, err := CustomSettingsFromEvent(wyoming.New(TypeCustomSettings, map[string]any{}))
		assert.ErrorIs(t, err, wyoming.ErrMalformedEvent)
	})
}

func TestCustomAction(t *testing.T) {
	t.Run("with payload", func(t *testing.T) {
		in := CustomAction{Action: ActionSetVolume, Payload: map[string]any{"volume": 40.0}}
		ev := in.Event()
		assert.Equal(t, TypeCustomAction, ev.Type)
		assert.Equal(t, "set-volume", ev.Data["action"])

		out, err := CustomActionFromEvent(ev)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("without payload", func(t *testing.T) {
		ev := CustomAction{Action: ActionGetDeviceInfo}.Event()
		_, hasPayload := ev.Data["payload"]
		assert.False(t, hasPayload)

		out, err := CustomActionFromEvent(ev)
		require.NoError(t, err)
		assert.Nil(t, out.Payload)
	})

	t.Run("action outside closed set", func(t *testing.T) {
		_, err := CustomActionFromEvent(wyoming.New(TypeCustomAction, map[string]any{"action": "screen"}))
		assert.ErrorIs(t, err, wyoming.ErrMalformedEvent)
	})
}

func TestMediaPlayerControl(t *testing.T) {
	in := MediaPlayerControl{Action: MediaPlay, Value: "http://example/song.mp3"}
	out, err := MediaPlayerControlFromEvent(in.Event())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = MediaPlayerControlFromEvent(wyoming.New(TypeMediaControl, map[string]any{"action": "rewind"}))
	assert.ErrorIs(t, err, wyoming.ErrMalformedEvent)
}

func TestDecode(t *testing.T) {
	t.Run("dispatches by tag", func(t *testing.T) {
		msg, ok, err := Decode(DeviceStatus{Status: map[string]any{"battery": 80.0}}.Event())
		require.NoError(t, err)
		require.True(t, ok)

		status, isStatus := msg.(DeviceStatus)
		require.True(t, isStatus)
		assert.Equal(t, 80.0, status.Status["battery"])
	})

	t.Run("unknown tag passes through", func(t *testing.T) {
		msg, ok, err := Decode(wyoming.New("describe", nil))
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, msg)
	})

	t.Run("known tag with bad data", func(t *testing.T) {
		_, ok, err := Decode(wyoming.New(TypeStatus, map[string]any{}))
		assert.True(t, ok)
		assert.ErrorIs(t, err, wyoming.ErrMalformedEvent)
	})

	assert.True(t, IsCustom(TypeCustomSettings))
	assert.False(t, IsCustom(wyoming.TypeAudioChunk))
}
