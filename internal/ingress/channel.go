package ingress

import (
	"context"
	"log/slog"
)

// ChannelSource is an in-process source of raw envelopes, used in tests and
// for local piping.
type ChannelSource struct {
	ch     chan []byte
	source string
}

// NewChannelSource creates a ChannelSource with the given buffer size.
func NewChannelSource(size int, source string) *ChannelSource {
	return &ChannelSource{ch: make(chan []byte, size), source: source}
}

// Send queues a raw envelope.
func (c *ChannelSource) Send(data []byte) {
	c.ch <- data
}

// Close ends Run once the queued envelopes are drained.
func (c *ChannelSource) Close() {
	close(c.ch)
}

// Run publishes every decodable envelope until the channel is closed or
// ctx is cancelled.
func (c *ChannelSource) Run(ctx context.Context, pub Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-c.ch:
			if !ok {
				return nil
			}
			sub, err := DecodeEnvelope(data, c.source)
			if err != nil {
				slog.Warn("Channel ingress: dropping invalid envelope", "error", err)
				continue
			}
			if err := pub.Publish(ctx, newInbound(sub)); err != nil {
				return err
			}
		}
	}
}
