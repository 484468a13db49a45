package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const brokerKeyPrefix = "collab:"

// Broker relays channel frames between server nodes over Redis pub/sub so
// clients attached to different nodes see the same document stream.
// Sequencing still happens in the store; the broker is fanout only.
type Broker struct {
	rdb     *redis.Client
	nodeID  string
	logger  *slog.Logger
	deliver func(channel string, frame []byte)
}

func NewBroker(rdb *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{rdb: rdb, nodeID: uuid.NewString(), logger: logger}
}

// brokerFrame tags a frame with its origin node so a node can skip its own
// publications.
type brokerFrame struct {
	NodeID  string          `json:"nodeId"`
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"frame"`
}

// Publish sends a frame to the other nodes.
func (b *Broker) Publish(ctx context.Context, channel string, frame []byte) error {
	msg, err := json.Marshal(brokerFrame{NodeID: b.nodeID, Channel: channel, Frame: frame})
	if err != nil {
		return fmt.Errorf("broker: marshal frame: %w", err)
	}
	if err := b.rdb.Publish(ctx, brokerKeyPrefix+channel, msg).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", channel, err)
	}
	return nil
}

// Run consumes frames from the other nodes until ctx is cancelled. It must
// be started after the broker is attached to a server.
func (b *Broker) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, brokerKeyPrefix+"*")
	defer pubsub.Close()

	b.logger.Info("broker running", "node", b.nodeID)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("broker: subscription closed")
			}
			var bf brokerFrame
			if err := json.Unmarshal([]byte(msg.Payload), &bf); err != nil {
				b.logger.Warn("broker: bad frame", "err", err)
				continue
			}
			if bf.NodeID == b.nodeID {
				continue
			}
			if b.deliver != nil {
				b.deliver(bf.Channel, bf.Frame)
			}
		}
	}
}
