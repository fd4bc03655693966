package mqrpc

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Client correlates requests published through a [Transport] with the
// responses it receives.
//
// Calls sharing a [TopicKey] share a single pair of response
// subscriptions. The subscriptions are requested when the first call of
// a key starts and released once the last call of the key completes.
//
// All the bookkeeping happens under one mutex, transport requests and
// future completions are always issued after releasing it.
type Client struct {
	config config
	logger *slog.Logger
	tr     Transport

	lk       sync.Mutex
	entries  map[TopicKey]*topicEntry
	teardown map[string]*Future[struct{}]
	streams  map[*EventStream]struct{}
	closed   bool
}

type topicEntry struct {
	key       TopicKey
	accepted  SubscribeAction
	rejected  SubscribeAction
	usesToken bool

	// calls in start order.
	calls       []*pendingCall
	topics      []string
	pendingAcks map[string]struct{}

	// issued completes once subscribe requests were handed to the
	// transport, so unsubscribes are never issued before them.
	issued *Future[struct{}]
}

type pendingCall struct {
	op        string
	topic     string
	payload   []byte
	token     string
	started   time.Time
	published bool
	abandoned bool
	future    *Future[any]
	stop      func() bool

	// entry is nil once the call is no longer pending.
	entry *topicEntry
}

func New(tr Transport, opts ...Option) (*Client, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: a transport is required", ErrInvalidCfg)
	}

	cl := &Client{
		config:   defaultConfig(),
		tr:       tr,
		entries:  make(map[TopicKey]*topicEntry),
		teardown: make(map[string]*Future[struct{}]),
		streams:  make(map[*EventStream]struct{}),
	}

	for _, opt := range opts {
		err := opt(&cl.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cl.config.logHandler != nil {
		cl.logger = slog.New(cl.config.logHandler)
	} else {
		cl.logger = slog.Default()
	}

	return cl, nil
}

// Start issues the request described by `d` and returns a future
// completed with its response.
//
// The future is rejected with:
//   - a precondition error (see [IsPrecondition]) when `d` cannot be used,
//   - [ErrSubscribe] when a response subscription failed,
//   - [ErrPublish] when the request could not be published,
//   - [ErrDecode] when the matching response could not be decoded,
//   - the decoded response (or a [*RejectedError]) when it arrived on the rejected topic,
//   - [ErrClientClosed] when the client was closed first,
//   - the cause of `ctx` when it ended first.
//
// Start never blocks on the transport.
func (c *Client) Start(ctx context.Context, d Descriptor) *Future[any] {
	fut := NewFuture[any]()

	p, err := c.prepare(&d)
	if err != nil {
		c.logger.Debug("invalid call", LabelOperation.L(d.Publish.Name), LabelError.L(err))
		c.incr(MetricCallDoneCount, LabelOperation.M(d.Publish.Name), LabelOutcome.M(outcomeFailed))
		fut.Reject(err)
		return fut
	}

	call := &pendingCall{
		op:      d.Publish.Name,
		topic:   p.pubTopic,
		payload: p.payload,
		token:   p.token,
		started: time.Now(),
		future:  fut,
		stop:    func() bool { return false },
	}
	if ctx.Done() != nil {
		call.stop = context.AfterFunc(ctx, func() {
			c.abandon(call, context.Cause(ctx))
		})
	}

	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		c.finish(call, nil, ErrClientClosed, outcomeFailed)
		return fut
	}
	if call.abandoned {
		// ctx ended before we could enqueue.
		c.lk.Unlock()
		return fut
	}

	entry, exists := c.entries[p.key]
	var gates []*Future[struct{}]
	if !exists {
		if other, held := c.heldByLocked(p.key); held {
			c.lk.Unlock()
			c.finish(call, nil, fmt.Errorf(
				"%w: response topics of %q are already held by %s",
				ErrInvalidDescriptor, call.op, other,
			), outcomeFailed)
			return fut
		}
		entry = &topicEntry{
			key:         p.key,
			accepted:    d.Accepted,
			rejected:    d.Rejected,
			usesToken:   p.usesToken,
			topics:      p.key.topics(),
			pendingAcks: make(map[string]struct{}, 2),
			issued:      NewFuture[struct{}](),
		}
		for _, topic := range entry.topics {
			entry.pendingAcks[topic] = struct{}{}
			if gate, inflight := c.teardown[topic]; inflight {
				gates = append(gates, gate)
			}
		}
		c.entries[p.key] = entry
		c.gaugeEntriesLocked()
	} else if entry.usesToken != p.usesToken {
		c.lk.Unlock()
		c.finish(call, nil, fmt.Errorf(
			"%w: %q mixes token-less and tokenized requests on %s",
			ErrInvalidDescriptor, call.op, p.key,
		), outcomeFailed)
		return fut
	}

	entry.calls = append(entry.calls, call)
	call.entry = entry
	publishNow := exists && len(entry.pendingAcks) == 0
	call.published = publishNow
	c.lk.Unlock()

	c.incr(MetricCallStartCount, LabelOperation.M(call.op))

	if !exists {
		c.logger.Debug(
			"subscribing to response topics",
			LabelOperation.L(call.op),
			LabelTopic.L(entry.topics),
		)
		c.subscribe(entry, gates)
	} else if publishNow {
		c.publish(call)
	}

	return fut
}

// heldByLocked returns the key of another entry subscribed to one of the
// topics of `key`.
func (c *Client) heldByLocked(key TopicKey) (TopicKey, bool) {
	for other := range c.entries {
		for _, topic := range other.topics() {
			if topic == key.AcceptedTopic || topic == key.RejectedTopic {
				return other, true
			}
		}
	}
	return TopicKey{}, false
}

// Unsubscribe forwards to the transport, it does not touch calls in flight.
func (c *Client) Unsubscribe(topic string) Token {
	c.incr(MetricUnsubscribeCount, LabelTopic.M(topic))
	return c.tr.Unsubscribe(topic)
}

// Close fails every call in flight with [ErrClientClosed] and releases
// every subscription the client holds. Calls started afterward fail
// immediately.
func (c *Client) Close() error {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return nil
	}
	c.closed = true

	type drained struct {
		entry *topicEntry
		gate  *Future[struct{}]
	}
	var (
		calls    []*pendingCall
		released []drained
	)
	for _, entry := range c.entries {
		for _, call := range entry.calls {
			call.entry = nil
			calls = append(calls, call)
		}
		entry.calls = nil
		released = append(released, drained{entry, c.beginTeardownLocked(entry)})
	}
	clear(c.entries)
	c.gaugeEntriesLocked()

	streams := make([]*EventStream, 0, len(c.streams))
	for stream := range c.streams {
		streams = append(streams, stream)
	}
	c.lk.Unlock()

	for _, d := range released {
		c.unsubscribe(d.entry, d.gate)
	}
	for _, stream := range streams {
		stream.Close()
	}
	for _, call := range calls {
		c.finish(call, nil, ErrClientClosed, outcomeFailed)
	}

	c.logger.Info("client closed", LabelPending.L(len(calls)))
	return nil
}

func (c *Client) subscribe(entry *topicEntry, gates []*Future[struct{}]) {
	if len(gates) > 0 {
		// Previous subscriptions on the same topics are still being
		// released, wait so their unsubscribe does not cancel ours.
		go func() {
			for _, gate := range gates {
				<-gate.Done()
			}
			c.lk.Lock()
			alive := c.entries[entry.key] == entry
			c.lk.Unlock()
			if alive {
				c.subscribe(entry, nil)
			} else {
				entry.issued.Resolve(struct{}{})
			}
		}()
		return
	}

	for _, topic := range entry.topics {
		action, rejected := entry.accepted, false
		if topic == entry.key.RejectedTopic {
			action, rejected = entry.rejected, true
		}
		c.incr(MetricSubscribeCount, LabelTopic.M(topic))
		tok := c.tr.Subscribe(topic, c.responseHandler(entry.key, action, rejected))
		go c.onSubscribed(entry, topic, tok)
	}
	entry.issued.Resolve(struct{}{})
}

func (c *Client) onSubscribed(entry *topicEntry, topic string, tok Token) {
	<-tok.Done()
	err := tok.Error()

	c.lk.Lock()
	if c.entries[entry.key] != entry {
		c.lk.Unlock()
		return
	}
	if _, pending := entry.pendingAcks[topic]; !pending {
		c.lk.Unlock()
		return
	}

	if err != nil {
		calls := entry.calls
		for _, call := range calls {
			call.entry = nil
		}
		entry.calls = nil
		delete(c.entries, entry.key)
		c.gaugeEntriesLocked()
		gate := c.beginTeardownLocked(entry)
		c.lk.Unlock()

		c.incr(MetricSubscribeErrCount, LabelTopic.M(topic))
		c.logger.Warn(
			"subscription failed, failing pending calls",
			LabelTopic.L(topic),
			LabelPending.L(len(calls)),
			LabelError.L(err),
		)
		c.unsubscribe(entry, gate)
		cause := fmt.Errorf("%w: %s: %w", ErrSubscribe, topic, err)
		for _, call := range calls {
			c.finish(call, nil, cause, outcomeFailed)
		}
		return
	}

	delete(entry.pendingAcks, topic)
	var ready []*pendingCall
	if len(entry.pendingAcks) == 0 {
		ready = slices.Clone(entry.calls)
		for _, call := range ready {
			call.published = true
		}
	}
	c.lk.Unlock()

	for _, call := range ready {
		c.publish(call)
	}
}

func (c *Client) publish(call *pendingCall) {
	tok := c.tr.Publish(call.topic, call.payload)
	go func() {
		<-tok.Done()
		err := tok.Error()
		if err == nil {
			return
		}
		c.incr(MetricPublishErrCount, LabelOperation.M(call.op))
		c.logger.Warn(
			"publish failed",
			LabelOperation.L(call.op),
			LabelTopic.L(call.topic),
			LabelError.L(err),
		)
		c.drop(call, fmt.Errorf("%w: %w", ErrPublish, err))
	}()
}

func (c *Client) responseHandler(key TopicKey, action SubscribeAction, rejected bool) MessageHandler {
	return func(topic string, payload []byte) {
		val, derr := c.decode(action, payload)

		var (
			token    string
			hasToken bool
		)
		if derr == nil {
			if carrier, ok := val.(TokenCarrier); ok && !isNil(val) {
				token = carrier.CorrelationToken()
				hasToken = token != ""
			}
		}
		if !hasToken && action.PeekToken != nil {
			token, hasToken = action.PeekToken(payload)
			hasToken = hasToken && token != ""
		}

		c.lk.Lock()
		var call *pendingCall
		if entry, ok := c.entries[key]; ok {
			if entry.usesToken {
				if hasToken {
					for _, pc := range entry.calls {
						if pc.token == token {
							call = pc
							break
						}
					}
				}
			} else {
				for _, pc := range entry.calls {
					if pc.published {
						call = pc
						break
					}
				}
			}
		}
		if call == nil {
			c.lk.Unlock()
			c.incr(MetricUnmatchedCount, LabelTopic.M(topic))
			c.logger.Debug("dropping unmatched message", LabelTopic.L(topic), LabelToken.L(token))
			return
		}
		drained, gate := c.removeLocked(call)
		c.lk.Unlock()

		if drained != nil {
			c.unsubscribe(drained, gate)
		}

		switch {
		case derr != nil:
			c.finish(call, nil, derr, outcomeFailed)
		case rejected:
			c.finish(call, nil, rejection(topic, val), outcomeRejected)
		default:
			c.finish(call, val, nil, outcomeSuccess)
		}
	}
}

func (c *Client) decode(action SubscribeAction, payload []byte) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("decoder panicked", LabelOperation.L(action.Name), "panic", r)
			val, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrDecode, action.Name, r)
		}
		if err != nil {
			c.incr(MetricDecodeErrCount, LabelOperation.M(action.Name))
		}
	}()

	val, err = action.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return val, nil
}

// abandon is called when the context of a call ends first.
func (c *Client) abandon(call *pendingCall, cause error) {
	var (
		drained *topicEntry
		gate    *Future[struct{}]
	)
	c.lk.Lock()
	call.abandoned = true
	if entry := call.entry; entry != nil {
		// A published token-less call stays queued so the response meant
		// for it is not handed to a younger call.
		if entry.usesToken || !call.published {
			drained, gate = c.removeLocked(call)
		}
	}
	c.lk.Unlock()

	if drained != nil {
		c.unsubscribe(drained, gate)
	}
	c.finish(call, nil, cause, outcomeFailed)
}

func (c *Client) drop(call *pendingCall, cause error) {
	c.lk.Lock()
	drained, gate := c.removeLocked(call)
	c.lk.Unlock()

	if drained != nil {
		c.unsubscribe(drained, gate)
	}
	c.finish(call, nil, cause, outcomeFailed)
}

// removeLocked removes `call` from its entry. If the entry becomes empty
// it is released and returned along with its teardown gate.
func (c *Client) removeLocked(call *pendingCall) (*topicEntry, *Future[struct{}]) {
	entry := call.entry
	if entry == nil {
		return nil, nil
	}
	call.entry = nil

	idx := slices.Index(entry.calls, call)
	if idx >= 0 {
		entry.calls = slices.Delete(entry.calls, idx, idx+1)
	}
	if len(entry.calls) > 0 {
		return nil, nil
	}

	if c.entries[entry.key] == entry {
		delete(c.entries, entry.key)
		c.gaugeEntriesLocked()
	}
	return entry, c.beginTeardownLocked(entry)
}

func (c *Client) beginTeardownLocked(entry *topicEntry) *Future[struct{}] {
	gate := NewFuture[struct{}]()
	for _, topic := range entry.topics {
		c.teardown[topic] = gate
	}
	return gate
}

// unsubscribe releases the topics of a drained entry. Failures are
// logged and otherwise ignored.
func (c *Client) unsubscribe(entry *topicEntry, gate *Future[struct{}]) {
	c.logger.Debug("releasing response topics", LabelTopic.L(entry.topics))

	go func() {
		<-entry.issued.Done()

		toks := make([]Token, len(entry.topics))
		for i, topic := range entry.topics {
			c.incr(MetricUnsubscribeCount, LabelTopic.M(topic))
			toks[i] = c.tr.Unsubscribe(topic)
		}
		for i, tok := range toks {
			<-tok.Done()
			if err := tok.Error(); err != nil {
				c.logger.Debug("ignoring unsubscribe failure", LabelTopic.L(entry.topics[i]), LabelError.L(err))
			}
		}

		c.lk.Lock()
		for _, topic := range entry.topics {
			if c.teardown[topic] == gate {
				delete(c.teardown, topic)
			}
		}
		c.lk.Unlock()
		gate.Resolve(struct{}{})
	}()
}

func (c *Client) finish(call *pendingCall, val any, err error, outcome string) {
	call.stop()
	if !call.future.complete(val, err) {
		return
	}
	labels := []metrics.Label{LabelOperation.M(call.op), LabelOutcome.M(outcome)}
	c.incr(MetricCallDoneCount, labels...)
	c.config.msink.AddSampleWithLabels(
		MetricCallDuration,
		float32(time.Since(call.started).Milliseconds()),
		append(labels, c.config.metricLabels...),
	)
}

func (c *Client) gaugeEntriesLocked() {
	c.config.msink.SetGaugeWithLabels(MetricTopicEntriesGauge, float32(len(c.entries)), c.config.metricLabels)
}

func (c *Client) incr(name []string, labels ...metrics.Label) {
	c.config.msink.IncrCounterWithLabels(name, 1.0, append(labels, c.config.metricLabels...))
}

// Invoke starts the call described by `d` and waits for its response.
func Invoke[T any](ctx context.Context, c *Client, d Descriptor) (T, error) {
	return As[T](c.Start(ctx, d)).Wait(ctx)
}
