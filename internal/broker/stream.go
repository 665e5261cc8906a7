package broker

import (
	"context"
	"fmt"
)

// Delivery is one payload received from a subscribed channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// Stream is a dynamic pub/sub subscription whose channel set can change
// while it is open. The relay adds a user channel when the first local
// connection for that identity appears and removes it after the last one
// goes away.
type Stream interface {
	Add(ctx context.Context, channels ...string) error
	Remove(ctx context.Context, channels ...string) error
	Messages() <-chan Delivery
	Close() error
}

type redisStream struct {
	pubsub interface {
		Subscribe(ctx context.Context, channels ...string) error
		Unsubscribe(ctx context.Context, channels ...string) error
		Close() error
	}
	out  chan Delivery
	done chan struct{}
}

// NewStream opens an empty subscription against Redis.
func (b *Broker) NewStream(ctx context.Context) Stream {
	pubsub := b.rdb.Subscribe(ctx)
	s := &redisStream{
		pubsub: pubsub,
		out:    make(chan Delivery, 64),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.out)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case s.out <- Delivery{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					// Slow consumer: drop rather than stall the pump. The
					// message is persisted and survives a missed frame.
					b.logger.Warn("stream delivery dropped", "channel", msg.Channel)
				}
			case <-s.done:
				return
			}
		}
	}()

	return s
}

func (s *redisStream) Add(ctx context.Context, channels ...string) error {
	if err := s.pubsub.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *redisStream) Remove(ctx context.Context, channels ...string) error {
	if err := s.pubsub.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("%w: unsubscribe: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *redisStream) Messages() <-chan Delivery {
	return s.out
}

func (s *redisStream) Close() error {
	close(s.done)
	return s.pubsub.Close()
}
