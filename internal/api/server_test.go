package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vaca/internal/broadcast"
	"vaca/internal/custom"
	"vaca/internal/ha"
	"vaca/internal/satellite"
	"vaca/internal/sensor"
	"vaca/internal/settings"
	"vaca/internal/wyoming"
	"vaca/pkg/testutil"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	server   *Server
	bus      *broadcast.Bus
	registry *satellite.Registry
	trackers map[string]*sensor.Tracker
	fake     *testutil.FakeSatellite
}

// newTestEnv registers "kitchen", connected to a fake satellite, and "office",
// which is never started.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	fake := testutil.NewFakeSatellite()
	require.NoError(t, fake.Start())
	fake.SetResponder(func(ev wyoming.Event) []wyoming.Event {
		if ev.Type == wyoming.TypeAudioStop {
			return []wyoming.Event{wyoming.Played{}.Event()}
		}
		return nil
	})

	bus := broadcast.NewBus(logger)
	registry := satellite.NewRegistry()
	trackers := make(map[string]*sensor.Tracker)
	mockHA := ha.NewMockClient()

	host, port := fake.Addr()
	for _, opts := range []satellite.Options{
		{ID: "kitchen", Name: "Kitchen", Host: host, Port: port, PingInterval: -1, ReconnectDelay: 20 * time.Millisecond},
		{ID: "office", Host: "127.0.0.1", Port: 1},
	} {
		store, err := settings.NewStore(nil, logger)
		require.NoError(t, err)
		require.NoError(t, registry.Register(satellite.New(opts, store, bus, mockHA, logger)))
		trackers[opts.ID] = sensor.NewTracker(opts.ID, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		registry.Get("kitchen").Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		fake.Stop()
		bus.Close()
	})

	_, ok := fake.WaitForEvent(wyoming.TypeRunSatellite, 2*time.Second)
	require.True(t, ok)
	require.Eventually(t, registry.Get("kitchen").Connected, 2*time.Second, 5*time.Millisecond)

	return &testEnv{
		server:   NewServer(registry, trackers, bus, logger, 8080),
		bus:      bus,
		registry: registry,
		trackers: trackers,
		fake:     fake,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleListSatellites(t *testing.T) {
	env := newTestEnv(t)
	env.trackers["kitchen"].Apply(broadcast.Update{
		DeviceID: "kitchen",
		Kind:     broadcast.KindSTT,
		Payload:  map[string]any{"text": "what time is it"},
	})

	w := env.do(t, http.MethodGet, "/api/satellites", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response []SatelliteResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response, 2)

	assert.Equal(t, "kitchen", response[0].ID)
	assert.Equal(t, "Kitchen", response[0].Name)
	assert.True(t, response[0].Connected)
	require.NotNil(t, response[0].Sensors)
	assert.Equal(t, "what time is it", response[0].Sensors.STT)

	assert.Equal(t, "office", response[1].ID)
	assert.Equal(t, "office", response[1].Name)
	assert.False(t, response[1].Connected)
}

func TestHandleGetSatellite_Unknown(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/satellites/garage", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "garage")
}

func TestHandleSettings(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/satellites/kitchen/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var current SettingsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&current))
	assert.Equal(t, float64(1), current.Settings["mic_gain"])

	w = env.do(t, http.MethodPost, "/api/satellites/kitchen/settings", `{"mic_gain": 30, "wake_word": "Hey Jarvis"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated SettingsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&updated))
	assert.Equal(t, []string{"mic_gain"}, updated.Changed)
	assert.Equal(t, float64(30), updated.Settings["mic_gain"])

	// The change reaches the connected device.
	_, ok := env.fake.WaitFor(func(events []wyoming.Event) (wyoming.Event, bool) {
		for _, ev := range events {
			if s, err := custom.CustomSettingsFromEvent(ev); err == nil && s.Settings["mic_gain"] == float64(30) {
				return ev, true
			}
		}
		return wyoming.Event{}, false
	}, 2*time.Second)
	assert.True(t, ok)
}

func TestHandleSettings_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"mic_gain":`, http.StatusBadRequest},
		{"empty body", `{}`, http.StatusBadRequest},
		{"invalid option", `{"wake_word_sound": "trumpet"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/satellites/kitchen/settings", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandleAnnounce(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/satellites/office/announce", `{"media_id": "http://example.com/a.mp3"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, http.MethodPost, "/api/satellites/kitchen/announce", `{"message": "no media"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "media_id")
}

func TestHandleAction(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/satellites/kitchen/action", `{"action": "toast-message", "payload": {"message": "hello"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ev, ok := env.fake.WaitForEvent(custom.TypeCustomAction, 2*time.Second)
	require.True(t, ok)
	action, err := custom.CustomActionFromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, custom.ActionToastMessage, action.Action)
	assert.Equal(t, "hello", action.Payload["message"])

	w = env.do(t, http.MethodPost, "/api/satellites/kitchen/action", `{"action": "self-destruct"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/satellites/office/action", `{"action": "play"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleMedia(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/satellites/kitchen/media", `{"action": "play", "value": "http://example.com/song.mp3"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ev, ok := env.fake.WaitForEvent(custom.TypeMediaControl, 2*time.Second)
	require.True(t, ok)
	control, err := custom.MediaPlayerControlFromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, custom.MediaPlay, control.Action)
	assert.Equal(t, "http://example.com/song.mp3", control.Value)
}

func TestHandleEvents(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/satellites/kitchen/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is set up after the upgrade; keep publishing until one arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				env.bus.Publish(context.Background(), broadcast.Update{
					DeviceID: "kitchen",
					Kind:     broadcast.KindStatus,
					Payload:  map[string]any{"screen_on": true},
				})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var u broadcast.Update
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, "kitchen", u.DeviceID)
	assert.Equal(t, broadcast.KindStatus, u.Kind)
	assert.Equal(t, true, u.Payload["screen_on"])
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, float64(2), response["satellites"])
	assert.Equal(t, float64(1), response["connected"])

	w = env.do(t, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleSitemap(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/satellites/{id}/announce")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	w = env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
