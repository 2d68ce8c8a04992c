// Package telemetry publishes parsed packets and link-health counters to
// Redis, the same HSet-plus-Publish pipeline pattern the teacher's
// pkg/redis client uses for BLE state.
package telemetry

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher writes received packets and link counters to a Redis instance.
type Publisher struct {
	client  *redis.Client
	ctx     context.Context
	linkKey string
}

// New connects to addr and pings it once to fail fast on misconfiguration,
// the way the teacher's redis.New does.
func New(addr, password string, db int, linkKey string) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}

	return &Publisher{client: client, ctx: ctx, linkKey: linkKey}, nil
}

// Close releases the underlying Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// PublishPacket records the latest payload for id under the link hash and
// publishes it on the link's pub/sub channel, mirroring
// WriteAndPublishString.
func (p *Publisher) PublishPacket(id uint16, payload []byte) error {
	field := fmt.Sprintf("packet:%d", id)
	value := hex.EncodeToString(payload)

	pipe := p.client.Pipeline()
	pipe.HSet(p.ctx, p.linkKey, field, value)
	pipe.Publish(p.ctx, p.linkKey, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(p.ctx)
	return err
}

// IncrCounter bumps a named link-health counter (e.g. "checksum_errors",
// "unexpected_bytes", "sync_handshakes") stored as a hash field under
// "<linkKey>:counters", the same derived-counter shape as the teacher's
// KeyCBBatteryAlert-style fields.
func (p *Publisher) IncrCounter(name string, by int64) error {
	return p.client.HIncrBy(p.ctx, p.linkKey+":counters", name, by).Err()
}

// Subscribe returns a channel of raw outbound payload strings published by
// some other process on the given Redis channel — the driver is expected to
// hand each one to serialport.Port.Send after allocating an id with NextID.
// The subscription, and the goroutine forwarding it, stop when ctx is
// canceled, mirroring the teacher's own SubscribeToRedisChannels lifecycle
// handling rather than leaking a fire-and-forget goroutine.
func (p *Publisher) Subscribe(ctx context.Context, channel string) <-chan string {
	sub := p.client.Subscribe(p.ctx, channel)
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
