package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/redis/go-redis/v9"
)

// retryDelay spaces out reads after a connection error while go-redis
// reconnects the pubsub.
const retryDelay = 100 * time.Millisecond

type subscription struct {
	ps     *redis.PubSub
	topic  string
	out    chan pubsub.Event
	done   chan struct{}
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
	onClose   func()
}

// run reads messages one at a time instead of using ps.Channel, whose
// buffered forwarding drops messages when the consumer falls behind. A slow
// consumer here only delays reading from the connection.
func (s *subscription) run(ctx context.Context) {
	defer close(s.out)
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			s.logger.Debug("Redis pubsub read failed", slog.String("topic", s.topic), slog.Any("error", err))
			select {
			case <-time.After(retryDelay):
				continue
			case <-s.done:
				return
			}
		}
		var ev pubsub.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.Warn("Dropping undecodable event", slog.String("topic", s.topic), slog.Any("error", err))
			continue
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Events() <-chan pubsub.Event {
	return s.out
}

func (s *subscription) Close() error {
	s.shutdown()
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

func (s *subscription) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		if err := s.ps.Close(); err != nil {
			s.logger.Debug("Closing redis pubsub failed", slog.String("topic", s.topic), slog.Any("error", err))
		}
	})
}
