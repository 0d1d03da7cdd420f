package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
)

const (
	broadcastChannel = "signaling:broadcast"
	publishTimeout   = 5 * time.Second
)

// redisFrame wraps an envelope for the bridge channel.
type redisFrame struct {
	Env protocol.Envelope `json:"env"`
	At  int64             `json:"at"`
}

// RedisBridge carries chat and qa_stream broadcasts across service
// instances over Redis pub/sub. It implements both Broadcaster and
// Subscriber; publish-only dispatch means each instance's subscriber
// callback performs the local fanout exactly once.
type RedisBridge struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisBridge creates the pub/sub bridge.
func NewRedisBridge(client *redis.Client, log *zap.Logger) *RedisBridge {
	return &RedisBridge{client: client, log: log}
}

// Publish sends the envelope to the shared broadcast channel.
func (b *RedisBridge) Publish(env protocol.Envelope) error {
	body, err := json.Marshal(redisFrame{Env: env, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, broadcastChannel, body).Err()
}

// Subscribe listens on the broadcast channel and calls handler for each
// envelope. Returns a cancel function that stops the subscription.
func (b *RedisBridge) Subscribe(handler func(env protocol.Envelope)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, broadcastChannel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f redisFrame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					b.log.Warn("bridge frame dropped", zap.Error(err))
					continue
				}
				handler(f.Env)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
