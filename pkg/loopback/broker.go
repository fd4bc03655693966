// Package loopback provides an in-process publish/subscribe broker
// implementing `mqrpc.Transport`.
//
// Acknowledgments are always delivered asynchronously and every
// subscription is served by its own goroutine, in publish order. It is
// meant for tests, examples and local simulation of remote services.
package loopback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raskyld/mqrpc"
)

var (
	ErrBrokerClosed  = errors.New("loopback: broker closed")
	ErrInvalidTopic  = errors.New("loopback: invalid topic name")
	ErrInvalidFilter = errors.New("loopback: invalid topic filter")
)

var _ mqrpc.Transport = (*Broker)(nil)

// Message is a payload published on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Responder simulates a service answering the requests published on a
// topic. The returned messages are published once the request is
// acknowledged.
type Responder func(topic string, payload []byte) []Message

// Counts reports how many requests the broker received for a topic.
type Counts struct {
	Subscribe   int
	Unsubscribe int
	Publish     int
}

type Broker struct {
	logger *slog.Logger

	lk         sync.Mutex
	subs       *Tree[*subscription]
	responders map[string]Responder
	failSub    map[string]error
	failPub    map[string]error
	failUnsub  map[string]error
	counts     map[string]*Counts
	closed     bool
	wg         sync.WaitGroup
}

type config struct {
	logHandler slog.Handler
}

// Option to pass to [New].
type Option func(*config)

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
	}
}

func New(opts ...Option) *Broker {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Broker{
		subs:       NewTree[*subscription](),
		responders: make(map[string]Responder),
		failSub:    make(map[string]error),
		failPub:    make(map[string]error),
		failUnsub:  make(map[string]error),
		counts:     make(map[string]*Counts),
	}
	if cfg.logHandler != nil {
		b.logger = slog.New(cfg.logHandler)
	} else {
		b.logger = slog.Default()
	}
	return b
}

// Subscribe registers `handler` for every topic matching `filter`.
// Subscribing again to the same filter replaces the handler.
func (b *Broker) Subscribe(filter string, handler mqrpc.MessageHandler) mqrpc.Token {
	if !ValidFilter(filter) {
		return mqrpc.Rejected[struct{}](fmt.Errorf("%w: %q", ErrInvalidFilter, filter))
	}

	b.lk.Lock()
	defer b.lk.Unlock()
	if b.closed {
		return mqrpc.Rejected[struct{}](ErrBrokerClosed)
	}
	b.countLocked(filter).Subscribe++

	if err := b.failSub[filter]; err != nil {
		return b.ackLocked(err)
	}

	sub := newSubscription(filter, handler)
	if old, replaced := b.subs.Insert(filter, sub); replaced {
		old.close()
	}
	b.wg.Add(1)
	go sub.run(&b.wg)

	b.logger.Debug("subscribed", "filter", filter)
	return b.ackLocked(nil)
}

// Unsubscribe removes the subscription on `filter`, if any. Messages not
// yet delivered to it are dropped.
func (b *Broker) Unsubscribe(filter string) mqrpc.Token {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.closed {
		return mqrpc.Rejected[struct{}](ErrBrokerClosed)
	}
	b.countLocked(filter).Unsubscribe++

	if err := b.failUnsub[filter]; err != nil {
		return b.ackLocked(err)
	}
	if sub, removed := b.subs.Delete(filter); removed {
		sub.close()
		b.logger.Debug("unsubscribed", "filter", filter)
	}
	return b.ackLocked(nil)
}

// Publish delivers `payload` to every subscription matching `topic`, then
// hands it to the [Responder] of `topic` if there is one.
func (b *Broker) Publish(topic string, payload []byte) mqrpc.Token {
	if !ValidTopic(topic) {
		return mqrpc.Rejected[struct{}](fmt.Errorf("%w: %q", ErrInvalidTopic, topic))
	}

	b.lk.Lock()
	defer b.lk.Unlock()
	if b.closed {
		return mqrpc.Rejected[struct{}](ErrBrokerClosed)
	}
	b.countLocked(topic).Publish++

	if err := b.failPub[topic]; err != nil {
		return b.ackLocked(err)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	msg := Message{Topic: topic, Payload: buf}
	for _, sub := range b.subs.Match(topic) {
		sub.push(msg)
	}

	tok := b.ackLocked(nil)
	if responder, ok := b.responders[topic]; ok {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			<-tok.Done()
			for _, resp := range responder(topic, buf) {
				b.Publish(resp.Topic, resp.Payload)
			}
		}()
	}
	return tok
}

// Handle installs `responder` for requests published on `topic`. A nil
// responder removes it.
func (b *Broker) Handle(topic string, responder Responder) {
	b.lk.Lock()
	defer b.lk.Unlock()
	if responder == nil {
		delete(b.responders, topic)
		return
	}
	b.responders[topic] = responder
}

// FailSubscribe makes subscriptions to `filter` fail with `err` until it
// is called again with a nil error.
func (b *Broker) FailSubscribe(filter string, err error) {
	b.setFailure(b.failSub, filter, err)
}

// FailPublish makes publications on `topic` fail with `err` until it is
// called again with a nil error.
func (b *Broker) FailPublish(topic string, err error) {
	b.setFailure(b.failPub, topic, err)
}

// FailUnsubscribe makes unsubscriptions from `filter` fail with `err`
// until it is called again with a nil error. The subscription is kept.
func (b *Broker) FailUnsubscribe(filter string, err error) {
	b.setFailure(b.failUnsub, filter, err)
}

func (b *Broker) setFailure(failures map[string]error, key string, err error) {
	b.lk.Lock()
	defer b.lk.Unlock()
	if err == nil {
		delete(failures, key)
		return
	}
	failures[key] = err
}

// Subscriptions returns the active filters in lexical level order.
func (b *Broker) Subscriptions() []string {
	b.lk.Lock()
	defer b.lk.Unlock()
	filters := make([]string, 0, b.subs.Len())
	for filter := range b.subs.Walk() {
		filters = append(filters, filter)
	}
	return filters
}

// Counts returns the requests received so far for a topic or filter.
func (b *Broker) Counts(topic string) Counts {
	b.lk.Lock()
	defer b.lk.Unlock()
	if c, ok := b.counts[topic]; ok {
		return *c
	}
	return Counts{}
}

// Close stops every delivery goroutine and waits for them. Further
// requests fail with [ErrBrokerClosed].
func (b *Broker) Close() error {
	b.lk.Lock()
	if b.closed {
		b.lk.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs.Walk() {
		sub.close()
	}
	b.subs = NewTree[*subscription]()
	b.lk.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Broker) countLocked(topic string) *Counts {
	c, ok := b.counts[topic]
	if !ok {
		c = &Counts{}
		b.counts[topic] = c
	}
	return c
}

// ackLocked returns a token completed from another goroutine, the way a
// network round-trip would.
func (b *Broker) ackLocked(err error) mqrpc.Token {
	tok := mqrpc.NewFuture[struct{}]()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err != nil {
			tok.Reject(err)
			return
		}
		tok.Resolve(struct{}{})
	}()
	return tok
}
