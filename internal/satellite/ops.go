package satellite

import (
	"context"
	"fmt"

	"vaca/internal/audio"
	"vaca/internal/client"
	"vaca/internal/custom"
	"vaca/internal/wyoming"

	"go.uber.org/zap"
)

func (s *Satellite) notConnected() error {
	return fmt.Errorf("satellite %s: %w", s.opts.ID, client.ErrNotConnected)
}

// Announce plays an announcement on the satellite and waits until it has played.
// Media ids relative to Home Assistant are resolved first.
func (s *Satellite) Announce(ctx context.Context, a audio.Announcement) error {
	if !s.Connected() {
		return s.notConnected()
	}
	if a.PreannounceMediaID != "" {
		a.PreannounceMediaID = s.ha.ResolveMediaURL(a.PreannounceMediaID)
	}
	a.MediaID = s.ha.ResolveMediaURL(a.MediaID)

	s.logger.Info("Announcing", zap.String("media_id", a.MediaID), zap.String("message", a.Message))
	return s.streamer.Announce(ctx, a)
}

// StartConversation plays an announcement, then listens for one spoken reply
// without waiting for the wake word.
func (s *Satellite) StartConversation(ctx context.Context, a audio.Announcement) error {
	if err := s.Announce(ctx, a); err != nil {
		return err
	}

	s.runMu.Lock()
	alive := s.sessionCtx != nil
	s.runMu.Unlock()
	if !alive {
		return s.notConnected()
	}

	// Started in the background: the run belongs to the session, not to ctx.
	go s.startRun(wyoming.RunPipeline{
		StartStage:   wyoming.StageASR,
		EndStage:     wyoming.StageASR,
		RestartOnEnd: false,
	})
	return nil
}

// SendAction forwards a custom action to the satellite.
func (s *Satellite) SendAction(ctx context.Context, action custom.CustomAction) error {
	if !action.Action.Valid() {
		return wyoming.Malformed(custom.TypeCustomAction, "unknown action %q", action.Action)
	}
	if !s.Connected() {
		return s.notConnected()
	}
	return s.write(ctx, action.Event())
}

// SendMediaControl forwards a legacy media command to the satellite.
func (s *Satellite) SendMediaControl(ctx context.Context, control custom.MediaPlayerControl) error {
	if !control.Action.Valid() {
		return wyoming.Malformed(custom.TypeMediaControl, "unknown media action %q", control.Action)
	}
	if !s.Connected() {
		return s.notConnected()
	}
	return s.write(ctx, control.Event())
}

// SetSetting updates one setting. A change reaches a connected satellite
// asynchronously through the settings subscription.
func (s *Satellite) SetSetting(key string, value any) (bool, error) {
	changed, err := s.settings.Set(key, value)
	if err != nil {
		return false, fmt.Errorf("satellite %s: %w", s.opts.ID, err)
	}
	return changed, nil
}
