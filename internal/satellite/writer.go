package satellite

import (
	"context"

	"vaca/internal/wyoming"

	"go.uber.org/zap"
)

// writeRequest is one event waiting for the writer goroutine. A nil result
// channel means nobody waits for the outcome.
type writeRequest struct {
	ctx    context.Context
	ev     wyoming.Event
	result chan error
}

// writeLoop is the only goroutine that calls client.WriteEvent outside of hooks.
func (s *Satellite) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.outbox:
			err := s.client.WriteEvent(req.ctx, req.ev)
			if req.result != nil {
				req.result <- err
				continue
			}
			if err != nil {
				s.logger.Warn("Failed to send event", zap.String("type", req.ev.Type), zap.Error(err))
			}
		}
	}
}

// write queues ev and waits until the writer sent it.
func (s *Satellite) write(ctx context.Context, ev wyoming.Event) error {
	req := writeRequest{ctx: ctx, ev: ev, result: make(chan error, 1)}
	select {
	case s.outbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// submit queues ev without waiting. A full queue drops the event.
func (s *Satellite) submit(ev wyoming.Event) {
	select {
	case s.outbox <- writeRequest{ctx: context.Background(), ev: ev}:
	default:
		s.logger.Warn("Write queue full, dropping event", zap.String("type", ev.Type))
	}
}

// queuedWriter routes the audio streamer's writes through the writer goroutine.
type queuedWriter struct {
	s *Satellite
}

func (w queuedWriter) WriteEvent(ctx context.Context, ev wyoming.Event) error {
	return w.s.write(ctx, ev)
}
