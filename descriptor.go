package mqrpc

import (
	"errors"
	"fmt"
	"reflect"
)

// PublishAction describes how a request is sent.
type PublishAction struct {
	// Name identifies the action, it is used in logs and metrics.
	Name string
	// Topic derives the publish topic from the request.
	Topic func(request any) (string, error)
	// Encode serializes the request, once its correlation token is set.
	Encode func(request any) ([]byte, error)
}

// SubscribeAction describes one of the two response streams of an
// operation.
type SubscribeAction struct {
	// Name identifies the action. Together with the topic derived from the
	// subscription value, it forms the [TopicKey] of an operation.
	Name string
	// Topic derives the topic to subscribe to from the subscription value.
	// It must return an error wrapping [ErrMissingField] when a value it
	// needs is absent.
	Topic func(subscription any) (string, error)
	// Decode deserializes a response payload.
	Decode func(payload []byte) (any, error)
	// PeekToken optionally reads the correlation token from a raw payload.
	// It lets a response that fails to decode still release its call.
	PeekToken func(payload []byte) (string, bool)
}

// Descriptor fully describes a request/response operation.
//
// When `Request` implements [Tokenized], responses are correlated by
// token. Otherwise a response completes the oldest call in flight on the
// same [TopicKey]: two concurrent token-less calls sharing a key SHOULD
// NOT be issued if their responses must be told apart.
type Descriptor struct {
	Publish      PublishAction
	Request      any
	Accepted     SubscribeAction
	Rejected     SubscribeAction
	Subscription any
}

// Tokenized is implemented by requests carrying a correlation token.
type Tokenized interface {
	CorrelationToken() string
	SetCorrelationToken(token string)
}

// TokenCarrier is implemented by responses echoing a correlation token.
type TokenCarrier interface {
	CorrelationToken() string
}

// TopicKey identifies a group of calls sharing the same response
// subscriptions.
//
// A response topic belongs to at most one key at a time: a call whose
// topics are already held under a different key fails with
// [ErrInvalidDescriptor] until that key is released.
type TopicKey struct {
	Accepted      string
	Rejected      string
	AcceptedTopic string
	RejectedTopic string
}

func (key TopicKey) String() string {
	return fmt.Sprintf("%s(%s)|%s(%s)", key.Accepted, key.AcceptedTopic, key.Rejected, key.RejectedTopic)
}

func (key TopicKey) topics() []string {
	return []string{key.AcceptedTopic, key.RejectedTopic}
}

// prepared holds everything derived from a [Descriptor] before any state
// is touched.
type prepared struct {
	key       TopicKey
	pubTopic  string
	payload   []byte
	usesToken bool
	token     string
}

func (c *Client) prepare(d *Descriptor) (*prepared, error) {
	if d.Publish.Topic == nil || d.Publish.Encode == nil {
		return nil, fmt.Errorf("%w: publish action %q is incomplete", ErrInvalidDescriptor, d.Publish.Name)
	}
	if d.Accepted.Topic == nil || d.Rejected.Topic == nil {
		return nil, fmt.Errorf("%w: subscribe actions need a topic", ErrInvalidDescriptor)
	}
	if d.Accepted.Decode == nil || d.Rejected.Decode == nil {
		return nil, fmt.Errorf("%w: no response decoder for %q", ErrInvalidDescriptor, d.Publish.Name)
	}

	accTopic, err := d.Accepted.Topic(d.Subscription)
	if err != nil {
		return nil, err
	}
	rejTopic, err := d.Rejected.Topic(d.Subscription)
	if err != nil {
		return nil, err
	}
	if accTopic == "" || rejTopic == "" {
		return nil, fmt.Errorf("%w: empty response topic", ErrInvalidDescriptor)
	}
	if accTopic == rejTopic {
		return nil, fmt.Errorf("%w: accepted and rejected topics are both %q", ErrInvalidDescriptor, accTopic)
	}

	pubTopic, err := d.Publish.Topic(d.Request)
	if err != nil {
		return nil, err
	}

	p := &prepared{
		key: TopicKey{
			Accepted:      d.Accepted.Name,
			Rejected:      d.Rejected.Name,
			AcceptedTopic: accTopic,
			RejectedTopic: rejTopic,
		},
		pubTopic: pubTopic,
	}

	if tk, ok := d.Request.(Tokenized); ok && !isNil(d.Request) {
		p.usesToken = true
		if tk.CorrelationToken() == "" {
			tk.SetCorrelationToken(c.config.tokenGen())
		}
		p.token = tk.CorrelationToken()
	}

	p.payload, err = d.Publish.Encode(d.Request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	return p, nil
}

// NewPublishAction builds a [PublishAction] from typed functions.
func NewPublishAction[Req any](
	name string,
	topic func(Req) (string, error),
	encode func(Req) ([]byte, error),
) PublishAction {
	return PublishAction{
		Name: name,
		Topic: func(request any) (string, error) {
			req, err := typed[Req](request)
			if err != nil {
				return "", err
			}
			return topic(req)
		},
		Encode: func(request any) ([]byte, error) {
			req, err := typed[Req](request)
			if err != nil {
				return nil, err
			}
			return encode(req)
		},
	}
}

// NewSubscribeAction builds a [SubscribeAction] from typed functions.
// `peek` may be nil.
func NewSubscribeAction[Sub, Msg any](
	name string,
	topic func(Sub) (string, error),
	decode func([]byte) (Msg, error),
	peek func([]byte) (string, bool),
) SubscribeAction {
	return SubscribeAction{
		Name: name,
		Topic: func(subscription any) (string, error) {
			sub, err := typed[Sub](subscription)
			if err != nil {
				return "", err
			}
			return topic(sub)
		},
		Decode: func(payload []byte) (any, error) {
			return decode(payload)
		},
		PeekToken: peek,
	}
}

func typed[T any](v any) (T, error) {
	var zero T
	if v == nil {
		// A nil interface never satisfies a type assertion, even to `any`.
		switch reflect.TypeFor[T]().Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return zero, nil
		}
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf(
			"%w: got %v instead of %s",
			ErrTypeMismatch,
			reflect.TypeOf(v),
			reflect.TypeFor[T](),
		)
	}
	return t, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// IsPrecondition reports whether `err` comes from an invalid call rather
// than from the transport or the remote service.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidDescriptor) ||
		errors.Is(err, ErrTypeMismatch)
}
