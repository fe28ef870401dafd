// Package telemetry fans out unsolicited frames to subscribers
package telemetry

import (
	"fmt"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"

	"govsido/protocol"
)

// TopicFrame receives every published frame
const TopicFrame = "frame"

// Topic returns the topic carrying frames with opcode op
func Topic(op byte) string {
	return fmt.Sprintf("%s:%02x", TopicFrame, op)
}

// Handler receives one frame
type Handler func(frame protocol.Frame)

// Bus delivers frames synchronously on the publishing goroutine, which for
// a transport sink is its read loop. Handlers must not block.
type Bus struct {
	bus       evbus.Bus
	log       zerolog.Logger
	published atomic.Uint64
}

// New creates an empty bus
func New(logger *zerolog.Logger) *Bus {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Bus{
		bus: evbus.New(),
		log: log.With().Str("component", "telemetry").Logger(),
	}
}

// Publish posts frame on TopicFrame and on its opcode topic
func (b *Bus) Publish(frame protocol.Frame) {
	b.published.Add(1)
	b.log.Debug().Str("frame", frame.String()).Msg("telemetry")

	b.bus.Publish(Topic(frame.Op()), frame)
	b.bus.Publish(TopicFrame, frame)
}

// Subscribe registers fn for frames with opcode op
func (b *Bus) Subscribe(op byte, fn Handler) error {
	if err := b.bus.Subscribe(Topic(op), fn); err != nil {
		return fmt.Errorf("telemetry: subscribe %s: %w", protocol.OpName(op), err)
	}
	return nil
}

// SubscribeAll registers fn for every frame
func (b *Bus) SubscribeAll(fn Handler) error {
	if err := b.bus.Subscribe(TopicFrame, fn); err != nil {
		return fmt.Errorf("telemetry: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes a handler added with Subscribe
func (b *Bus) Unsubscribe(op byte, fn Handler) error {
	return b.bus.Unsubscribe(Topic(op), fn)
}

// UnsubscribeAll removes a handler added with SubscribeAll
func (b *Bus) UnsubscribeAll(fn Handler) error {
	return b.bus.Unsubscribe(TopicFrame, fn)
}

// HasSubscribers reports whether anything listens for op
func (b *Bus) HasSubscribers(op byte) bool {
	return b.bus.HasCallback(Topic(op)) || b.bus.HasCallback(TopicFrame)
}

// Published counts frames published so far
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Sink adapts the bus to the transport's telemetry callback
func (b *Bus) Sink() protocol.FrameHandler {
	return b.Publish
}
