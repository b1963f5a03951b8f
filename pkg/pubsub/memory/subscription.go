package memory

import (
	"sync"

	"github.com/a-essam23/go-collab/pkg/pubsub"
)

type subscription struct {
	out    chan pubsub.Event
	notify chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	queue []pubsub.Event

	closeOnce sync.Once
	onClose   func(*subscription)
}

func newSubscription(onClose func(*subscription)) *subscription {
	s := &subscription{
		out:     make(chan pubsub.Event),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

func (s *subscription) push(ev pubsub.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued events to the consumer one at a time, preserving order.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = pubsub.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

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
		s.onClose(s)
	}
	return nil
}

func (s *subscription) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}
