package loopback

import (
	"sync"

	"github.com/raskyld/mqrpc"
)

// subscription is an unbounded mailbox drained by its own goroutine, so a
// handler publishing back to the broker never blocks other subscribers.
type subscription struct {
	filter  string
	handler mqrpc.MessageHandler

	lk      sync.Mutex
	pending []Message
	wake    chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newSubscription(filter string, handler mqrpc.MessageHandler) *subscription {
	return &subscription{
		filter:  filter,
		handler: handler,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

func (s *subscription) push(msg Message) {
	s.lk.Lock()
	s.pending = append(s.pending, msg)
	s.lk.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
}

func (s *subscription) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.wake:
		case <-s.closeCh:
			return
		}

		for {
			select {
			case <-s.closeCh:
				return
			default:
			}

			s.lk.Lock()
			if len(s.pending) == 0 {
				s.lk.Unlock()
				break
			}
			msg := s.pending[0]
			s.pending[0] = Message{}
			s.pending = s.pending[1:]
			s.lk.Unlock()

			s.handler(msg.Topic, msg.Payload)
		}
	}
}
