package mqrpc

import (
	"sync"
)

// EventStream is a long-lived subscription not correlated with any call.
type EventStream struct {
	topic  string
	client *Client

	closed bool
	lk     sync.Mutex
}

// SubscribeEvents subscribes `handler` to every message published on
// `topic` until the returned stream is closed.
//
// `handler` is invoked on the transport delivery goroutine with either the
// decoded value or a decoding error wrapping [ErrDecode]. The returned
// [Token] completes once the subscription is acknowledged, if it fails the
// stream is closed.
func (c *Client) SubscribeEvents(
	topic string,
	decode func([]byte) (any, error),
	handler func(any, error),
) (*EventStream, Token) {
	stream := &EventStream{topic: topic, client: c}

	if decode == nil || handler == nil {
		stream.closed = true
		return stream, Rejected[struct{}](ErrInvalidDescriptor)
	}

	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		stream.closed = true
		return stream, Rejected[struct{}](ErrClientClosed)
	}
	c.streams[stream] = struct{}{}
	c.lk.Unlock()

	action := SubscribeAction{Name: topic, Decode: decode}
	c.incr(MetricSubscribeCount, LabelTopic.M(topic))
	tok := c.tr.Subscribe(topic, func(_ string, payload []byte) {
		stream.lk.Lock()
		closed := stream.closed
		stream.lk.Unlock()
		if closed {
			return
		}
		c.incr(MetricEventDeliveryCount, LabelTopic.M(topic))
		handler(c.decode(action, payload))
	})

	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.incr(MetricSubscribeErrCount, LabelTopic.M(topic))
			c.logger.Warn("event subscription failed", LabelTopic.L(topic), LabelError.L(err))
			stream.lk.Lock()
			stream.closed = true
			stream.lk.Unlock()
			c.forget(stream)
		}
	}()

	return stream, tok
}

// SubscribeTo is the typed form of [Client.SubscribeEvents].
func SubscribeTo[T any](
	c *Client,
	topic string,
	decode func([]byte) (T, error),
	handler func(T, error),
) (*EventStream, Token) {
	if decode == nil || handler == nil {
		return c.SubscribeEvents(topic, nil, nil)
	}
	return c.SubscribeEvents(
		topic,
		func(payload []byte) (any, error) {
			return decode(payload)
		},
		func(v any, err error) {
			if err != nil {
				var zero T
				handler(zero, err)
				return
			}
			val, terr := typed[T](v)
			handler(val, terr)
		},
	)
}

func (s *EventStream) Topic() string {
	return s.topic
}

// Close stops the deliveries and unsubscribes from the topic. Only the
// first call unsubscribes, later calls return a completed [Token].
func (s *EventStream) Close() Token {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return Resolved(struct{}{})
	}
	s.closed = true
	s.lk.Unlock()

	s.client.forget(s)
	return s.client.Unsubscribe(s.topic)
}

func (c *Client) forget(stream *EventStream) {
	c.lk.Lock()
	delete(c.streams, stream)
	c.lk.Unlock()
}
