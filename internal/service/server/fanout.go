package server

import (
	"context"
	"encoding/json"
	"fmt"
	"pair_chat/internal/model"
	redisSvc "pair_chat/internal/service/redis"
	"pair_chat/internal/utils/log"
	"strings"

	"go.uber.org/zap"
)

const roomChannelPrefix = "room:"

type (
	// Fanout relays a delivery to every connection in its room, on this
	// process and, when shared, on every other server process.
	Fanout interface {
		Publish(ctx context.Context, event model.EventType, d model.Delivery) error
		Run(ctx context.Context) error
	}

	LocalFanout struct {
		hub *Hub
	}

	// RedisFanout publishes every frame on room:<conversationId> and
	// delivers whatever arrives on room:* to the local hub, including this
	// process's own publications.
	RedisFanout struct {
		hub   *Hub
		redis *redisSvc.RedisService
		ready chan struct{}
	}
)

func encodeDelivery(event model.EventType, d model.Delivery) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	env, err := model.NewEnvelope(event, d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func NewLocalFanout(hub *Hub) *LocalFanout {
	return &LocalFanout{hub: hub}
}

func (f *LocalFanout) Publish(_ context.Context, event model.EventType, d model.Delivery) error {
	frame, err := encodeDelivery(event, d)
	if err != nil {
		return err
	}
	f.hub.Deliver(d.ConversationID, frame)
	return nil
}

func (f *LocalFanout) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func NewRedisFanout(hub *Hub, redis *redisSvc.RedisService) *RedisFanout {
	return &RedisFanout{hub: hub, redis: redis, ready: make(chan struct{})}
}

func (f *RedisFanout) Publish(ctx context.Context, event model.EventType, d model.Delivery) error {
	frame, err := encodeDelivery(event, d)
	if err != nil {
		return err
	}
	if err := f.redis.Publish(ctx, roomChannelPrefix+d.ConversationID, frame); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed.
func (f *RedisFanout) Ready() <-chan struct{} {
	return f.ready
}

func (f *RedisFanout) Run(ctx context.Context) error {
	sub := f.redis.PSubscribe(ctx, roomChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	close(f.ready)
	log.Info("room fan-out subscribed", zap.String("pattern", roomChannelPrefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			room := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
			f.hub.Deliver(room, []byte(msg.Payload))
		}
	}
}
