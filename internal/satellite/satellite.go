// Package satellite runs one VACA satellite: it keeps the Wyoming connection up,
// pushes the device settings, bridges the satellite microphone into Home Assistant
// pipeline runs and streams the spoken responses back.
package satellite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vaca/internal/audio"
	"vaca/internal/broadcast"
	"vaca/internal/client"
	"vaca/internal/clock"
	"vaca/internal/custom"
	"vaca/internal/pipeline"
	"vaca/internal/settings"
	"vaca/internal/wyoming"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPongTimeout ends a session whose satellite stopped answering pings.
	ErrPongTimeout = errors.New("satellite did not answer ping")

	// ErrStopped is returned for writes queued after Run returned.
	ErrStopped = errors.New("satellite stopped")
)

const (
	defaultReconnectDelay    = 10 * time.Second
	defaultMaxReconnectDelay = 60 * time.Second
	defaultPingInterval      = 2 * time.Second
	defaultPongTimeout       = 5 * time.Second

	outboxSize      = 64
	updateQueueSize = 32
	micQueueSize    = 64
)

// HomeAssistant is what a satellite needs from Home Assistant.
type HomeAssistant interface {
	pipeline.Runner
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
	FetchTTS(ctx context.Context, url string) (audio.TTSResult, error)
	ResolveMediaURL(mediaID string) string
}

// SettingsPushPolicy decides on which side of run-satellite the settings go out.
type SettingsPushPolicy int

const (
	PushBeforeRunSatellite SettingsPushPolicy = iota
	PushAfterRunSatellite
)

// ParseSettingsPushPolicy maps the config spelling to a policy.
func ParseSettingsPushPolicy(s string) (SettingsPushPolicy, error) {
	switch s {
	case "", "before":
		return PushBeforeRunSatellite, nil
	case "after":
		return PushAfterRunSatellite, nil
	default:
		return PushBeforeRunSatellite, fmt.Errorf("unknown settings push policy %q", s)
	}
}

func (p SettingsPushPolicy) String() string {
	if p == PushAfterRunSatellite {
		return "after"
	}
	return "before"
}

// Options configures a Satellite. Zero durations take the defaults; a negative
// PingInterval disables the keepalive.
type Options struct {
	ID         string
	Name       string
	Host       string
	Port       int
	PipelineID string

	SettingsPush SettingsPushPolicy
	AfterHook    client.AfterHookPolicy

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration

	Decoder audio.Decoder
	Clock   clock.Clock
}

// Satellite owns the connection to one device and everything that talks over it.
type Satellite struct {
	opts     Options
	logger   *zap.Logger
	clock    clock.Clock
	client   *client.Client
	streamer *audio.Streamer
	settings *settings.Store
	bus      broadcast.Publisher
	ha       HomeAssistant

	outbox  chan writeRequest
	updates chan broadcast.Update
	done    chan struct{}
	running atomic.Bool

	lastPong atomic.Int64

	startMu    sync.Mutex
	runMu      sync.Mutex
	sessionCtx context.Context
	active     *activeRun
	runWG      sync.WaitGroup
}

// New creates a satellite. Nothing connects until Run.
func New(opts Options, store *settings.Store, bus broadcast.Publisher, ha HomeAssistant, logger *zap.Logger) *Satellite {
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &Satellite{
		opts:     opts,
		logger:   logger.Named("satellite").With(zap.String("device_id", opts.ID)),
		clock:    opts.Clock,
		settings: store,
		bus:      bus,
		ha:       ha,
		outbox:   make(chan writeRequest, outboxSize),
		updates:  make(chan broadcast.Update, updateQueueSize),
		done:     make(chan struct{}),
	}

	s.client = client.New(client.Options{
		Hooks: client.Hooks{
			BeforeSend: s.beforeSend,
			AfterSend:  s.afterSend,
			OnReceive:  s.onReceive,
		},
		AfterHookPolicy: opts.AfterHook,
	}, s.logger)

	s.streamer = audio.NewStreamer(queuedWriter{s}, audio.Options{
		Decoder:      opts.Decoder,
		Clock:        opts.Clock,
		OnTTSTimeout: s.ttsFinished,
	}, s.logger)

	return s
}

func (s *Satellite) ID() string   { return s.opts.ID }
func (s *Satellite) Name() string { return s.opts.Name }

// Settings returns the satellite's settings store.
func (s *Satellite) Settings() *settings.Store { return s.settings }

// Connected reports whether events can currently be sent to the device.
func (s *Satellite) Connected() bool { return s.client.CanWrite() }

// Run keeps the satellite connected until ctx is cancelled. It may only be called
// once.
func (s *Satellite) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("satellite %s already running", s.opts.ID)
	}
	defer close(s.done)

	sub := s.settings.Subscribe(s.settingChanged)
	defer sub.Unsubscribe()

	// The writer and publisher outlive the last session so its disconnect update
	// still goes out.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(workerCtx)
	}()
	go func() {
		defer wg.Done()
		s.publishLoop(workerCtx)
	}()

	s.logger.Info("Starting satellite",
		zap.String("host", s.opts.Host),
		zap.Int("port", s.opts.Port),
		zap.String("settings_push", s.opts.SettingsPush.String()))

	delay := s.opts.ReconnectDelay
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if connected {
			delay = s.opts.ReconnectDelay
		}
		s.logger.Warn("Satellite connection ended", zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
		case <-s.clock.After(delay):
		}
		if ctx.Err() != nil {
			break
		}
		if !connected {
			delay = min(delay*2, s.opts.MaxReconnectDelay)
		}
	}

	stopWorkers()
	wg.Wait()
	s.logger.Info("Satellite stopped")
	return nil
}

// session runs one connection until it fails. connected reports whether the dial
// succeeded.
func (s *Satellite) session(ctx context.Context) (connected bool, err error) {
	if err := s.client.Connect(ctx, s.opts.Host, s.opts.Port); err != nil {
		return false, err
	}
	s.logger.Info("Connected to satellite", zap.String("remote", s.client.RemoteAddr()))
	s.enqueueUpdate(broadcast.KindConnection, map[string]any{"connected": true})

	g, gctx := errgroup.WithContext(ctx)

	s.runMu.Lock()
	s.sessionCtx = gctx
	s.runMu.Unlock()

	defer func() {
		s.runMu.Lock()
		s.sessionCtx = nil
		s.runMu.Unlock()

		s.client.MarkClosing()
		s.stopRun()
		s.streamer.CancelTTSTimeout()
		if err := s.client.Disconnect(); err != nil {
			s.logger.Warn("Failed to close connection", zap.Error(err))
		}
		s.runWG.Wait()

		s.enqueueUpdate(broadcast.KindConnection, map[string]any{"connected": false})
	}()

	g.Go(func() error {
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		if err := s.write(gctx, wyoming.RunSatellite{}.Event()); err != nil {
			return fmt.Errorf("failed to start satellite: %w", err)
		}
		return s.pingLoop(gctx)
	})

	return true, g.Wait()
}

func (s *Satellite) readLoop(ctx context.Context) error {
	for {
		ev, err := s.client.ReadEvent(ctx)
		switch {
		case err == nil:
		case errors.Is(err, wyoming.ErrConnectionClosed):
			return err
		case errors.Is(err, wyoming.ErrMalformedEvent):
			s.logger.Warn("Dropping malformed event", zap.Error(err))
		case ctx.Err() != nil:
			return ctx.Err()
		case ev.Type != "":
			s.logger.Warn("Failed to handle event", zap.String("type", ev.Type), zap.Error(err))
		default:
			return err
		}
	}
}

func (s *Satellite) pingLoop(ctx context.Context) error {
	if s.opts.PingInterval < 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	s.lastPong.Store(s.clock.Now().UnixNano())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.opts.PingInterval):
		}

		if since := s.clock.Since(time.Unix(0, s.lastPong.Load())); since > s.opts.PongTimeout {
			return fmt.Errorf("%w for %s", ErrPongTimeout, since)
		}
		s.submit(wyoming.Ping{}.Event())
	}
}

func (s *Satellite) beforeSend(ctx context.Context, ev wyoming.Event) error {
	if s.opts.SettingsPush == PushBeforeRunSatellite && wyoming.IsRunSatellite(ev.Type) {
		return s.pushSettings(ctx)
	}
	return nil
}

func (s *Satellite) afterSend(ctx context.Context, ev wyoming.Event) error {
	if s.opts.SettingsPush == PushAfterRunSatellite && wyoming.IsRunSatellite(ev.Type) {
		return s.pushSettings(ctx)
	}
	return nil
}

// pushSettings writes the settings snapshot. It runs on the writer goroutine from
// inside a hook, so it writes to the client directly.
func (s *Satellite) pushSettings(ctx context.Context) error {
	return s.client.WriteEvent(ctx, custom.CustomSettings{Settings: s.settings.Snapshot()}.Event())
}

func (s *Satellite) settingChanged(key string, oldValue, newValue any) {
	if !s.client.CanWrite() {
		return
	}
	s.logger.Debug("Setting changed, pushing settings",
		zap.String("key", key),
		zap.Any("old", oldValue),
		zap.Any("new", newValue))
	s.submit(custom.CustomSettings{Settings: s.settings.Snapshot()}.Event())
}

// onReceive dispatches inbound events. It runs on the read goroutine and must not
// block.
func (s *Satellite) onReceive(ctx context.Context, ev wyoming.Event) error {
	switch {
	case custom.IsDeviceStatus(ev.Type):
		status, err := custom.DeviceStatusFromEvent(ev)
		if err != nil {
			return err
		}
		s.enqueueUpdate(broadcast.KindStatus, status.Status)

	case wyoming.IsPlayed(ev.Type):
		s.streamer.Played()

	case wyoming.IsPong(ev.Type):
		s.lastPong.Store(s.clock.Now().UnixNano())

	case ev.Type == wyoming.TypePing:
		text, _ := wyoming.StringField(ev.Data, "text")
		s.submit(wyoming.Pong{Text: text}.Event())

	case wyoming.IsRunPipeline(ev.Type):
		rp, err := wyoming.RunPipelineFromEvent(ev)
		if err != nil {
			return err
		}
		go s.startRun(rp)

	case wyoming.IsAudioChunk(ev.Type):
		chunk, err := wyoming.AudioChunkFromEvent(ev)
		if err != nil {
			return err
		}
		s.forwardAudio(chunk)

	case wyoming.IsAudioStop(ev.Type):
		s.endAudio()

	case custom.IsCustomAction(ev.Type):
		action, err := custom.CustomActionFromEvent(ev)
		if err != nil {
			return err
		}
		if action.Action == custom.ActionGetDeviceInfo {
			s.enqueueUpdate(broadcast.KindDeviceInfo, action.Payload)
		}

	default:
		s.logger.Debug("Ignoring event", zap.String("type", ev.Type))
	}
	return nil
}

func (s *Satellite) ttsFinished(runID string) {
	s.logger.Debug("TTS response finished", zap.String("run_id", runID))
	s.enqueueUpdate(broadcast.KindTTSFinished, map[string]any{"run_id": runID})
}

// enqueueUpdate hands an update to the publisher goroutine, dropping it when the
// queue is full.
func (s *Satellite) enqueueUpdate(kind broadcast.Kind, payload map[string]any) {
	u := broadcast.Update{DeviceID: s.opts.ID, Kind: kind, Payload: payload}
	select {
	case s.updates <- u:
	default:
		s.logger.Warn("Broadcast queue full, dropping update", zap.String("kind", string(kind)))
	}
}

func (s *Satellite) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case u := <-s.updates:
					s.publish(context.Background(), u)
				default:
					return
				}
			}
		case u := <-s.updates:
			s.publish(ctx, u)
		}
	}
}

func (s *Satellite) publish(ctx context.Context, u broadcast.Update) {
	if err := s.bus.Publish(ctx, u); err != nil {
		s.logger.Warn("Failed to publish update", zap.String("kind", string(u.Kind)), zap.Error(err))
	}
}
