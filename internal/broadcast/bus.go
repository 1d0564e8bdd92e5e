// Package broadcast fans out per-device status updates to any number of in-process
// subscribers (sensor trackers, the API's event stream).
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// Kind identifies what an update carries.
type Kind string

const (
	KindStatus      Kind = "status"
	KindSTT         Kind = "stt"
	KindTTS         Kind = "tts"
	KindTTSFinished Kind = "tts-finished"
	KindDeviceInfo  Kind = "device-info"
	KindConnection  Kind = "connection"
)

// Update is one message on a device's channel.
type Update struct {
	DeviceID string         `json:"device_id"`
	Kind     Kind           `json:"kind"`
	Payload  map[string]any `json:"payload,omitempty"`
	Time     time.Time      `json:"time"`
}

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

// Topic returns the topic updates for deviceID are published on.
func Topic(deviceID string) string {
	return "vaca." + deviceID
}

// Bus is an in-process pub/sub of Updates keyed by device.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger *zap.Logger
}

// NewBus creates a bus. Updates published while nobody subscribes are dropped.
func NewBus(logger *zap.Logger) *Bus {
	logger = logger.Named("broadcast")
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, NewZapAdapter(logger)),
		logger: logger,
	}
}

// Publish sends u to every subscriber of its device.
func (b *Bus) Publish(ctx context.Context, u Update) error {
	if u.DeviceID == "" {
		return fmt.Errorf("broadcast: update without device id")
	}
	if u.Time.IsZero() {
		u.Time = time.Now()
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("broadcast: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := b.pubSub.Publish(Topic(u.DeviceID), msg); err != nil {
		return fmt.Errorf("broadcast: failed to publish to topic %s: %w", Topic(u.DeviceID), err)
	}
	return nil
}

// Subscribe delivers updates for deviceID until ctx is cancelled. The returned
// channel is closed afterwards.
func (b *Bus) Subscribe(ctx context.Context, deviceID string) (<-chan Update, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic(deviceID))
	if err != nil {
		return nil, fmt.Errorf("broadcast: failed to subscribe to %s: %w", Topic(deviceID), err)
	}

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			var u Update
			if err := json.Unmarshal(msg.Payload, &u); err != nil {
				b.logger.Warn("Dropping undecodable update", zap.String("uuid", msg.UUID), zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down; subscriber channels close.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
