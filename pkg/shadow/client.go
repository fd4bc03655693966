// Package shadow is a client of the device shadow service.
//
// Every operation publishes a request on
// `$aws/things/{thing}/shadow[/name/{shadow}]/{operation}` and completes
// with the response published on the `/accepted` or `/rejected` topic
// under it. Requests carry a `clientToken` so concurrent operations on the
// same shadow share their response subscriptions.
package shadow

import (
	"context"
	"fmt"
	"strings"

	"github.com/raskyld/mqrpc"
	"github.com/raskyld/mqrpc/pkg/codec"
)

const tokenField = "clientToken"

type Client struct {
	engine *mqrpc.Client
}

func NewClient(engine *mqrpc.Client) *Client {
	return &Client{engine: engine}
}

// ref designates a classic shadow or, when `named` is set, a named one.
type ref struct {
	thing  string
	shadow string
	named  bool
}

func (r ref) topic(suffix string) (string, error) {
	if r.thing == "" {
		return "", mqrpc.MissingField("ThingName")
	}
	if err := validName("ThingName", r.thing); err != nil {
		return "", err
	}
	if !r.named {
		return "$aws/things/" + r.thing + "/shadow/" + suffix, nil
	}

	if r.shadow == "" {
		return "", mqrpc.MissingField("ShadowName")
	}
	if err := validName("ShadowName", r.shadow); err != nil {
		return "", err
	}
	return "$aws/things/" + r.thing + "/shadow/name/" + r.shadow + "/" + suffix, nil
}

func validName(field, name string) error {
	if strings.ContainsAny(name, "/+#") {
		return fmt.Errorf("%w: %s %q is not a topic level", mqrpc.ErrInvalidDescriptor, field, name)
	}
	return nil
}

func describe[Req, Resp any](op string, r ref, req Req) mqrpc.Descriptor {
	subTopic := func(suffix string) func(ref) (string, error) {
		return func(r ref) (string, error) {
			return r.topic(op + suffix)
		}
	}

	return mqrpc.Descriptor{
		Publish: mqrpc.NewPublishAction(
			op+"_shadow",
			func(Req) (string, error) { return r.topic(op) },
			codec.JSON[Req]().Encode,
		),
		Request: req,
		Accepted: mqrpc.NewSubscribeAction(
			op+"_shadow_accepted",
			subTopic("/accepted"),
			codec.JSON[Resp]().Decode,
			codec.JSONToken(tokenField),
		),
		Rejected: mqrpc.NewSubscribeAction(
			op+"_shadow_rejected",
			subTopic("/rejected"),
			codec.JSON[*ErrorResponse]().Decode,
			codec.JSONToken(tokenField),
		),
		Subscription: r,
	}
}

func start[Req, Resp any](ctx context.Context, c *Client, op string, r ref, req Req) *mqrpc.Future[Resp] {
	return mqrpc.As[Resp](c.engine.Start(ctx, describe[Req, Resp](op, r, req)))
}

// GetShadow fetches the classic shadow of a thing. A rejection fails the
// future with an [*ErrorResponse].
func (c *Client) GetShadow(ctx context.Context, req *GetShadowRequest) *mqrpc.Future[*GetShadowResponse] {
	if req == nil {
		req = &GetShadowRequest{}
	}
	return start[*GetShadowRequest, *GetShadowResponse](ctx, c, "get", ref{thing: req.ThingName}, req)
}

func (c *Client) GetNamedShadow(ctx context.Context, req *GetNamedShadowRequest) *mqrpc.Future[*GetShadowResponse] {
	if req == nil {
		req = &GetNamedShadowRequest{}
	}
	r := ref{thing: req.ThingName, shadow: req.ShadowName, named: true}
	return start[*GetNamedShadowRequest, *GetShadowResponse](ctx, c, "get", r, req)
}

// UpdateShadow merges `req.State` into the classic shadow of a thing.
func (c *Client) UpdateShadow(ctx context.Context, req *UpdateShadowRequest) *mqrpc.Future[*UpdateShadowResponse] {
	if req == nil {
		req = &UpdateShadowRequest{}
	}
	return start[*UpdateShadowRequest, *UpdateShadowResponse](ctx, c, "update", ref{thing: req.ThingName}, req)
}

func (c *Client) UpdateNamedShadow(ctx context.Context, req *UpdateNamedShadowRequest) *mqrpc.Future[*UpdateShadowResponse] {
	if req == nil {
		req = &UpdateNamedShadowRequest{}
	}
	r := ref{thing: req.ThingName, shadow: req.ShadowName, named: true}
	return start[*UpdateNamedShadowRequest, *UpdateShadowResponse](ctx, c, "update", r, req)
}

func (c *Client) DeleteShadow(ctx context.Context, req *DeleteShadowRequest) *mqrpc.Future[*DeleteShadowResponse] {
	if req == nil {
		req = &DeleteShadowRequest{}
	}
	return start[*DeleteShadowRequest, *DeleteShadowResponse](ctx, c, "delete", ref{thing: req.ThingName}, req)
}

func (c *Client) DeleteNamedShadow(ctx context.Context, req *DeleteNamedShadowRequest) *mqrpc.Future[*DeleteShadowResponse] {
	if req == nil {
		req = &DeleteNamedShadowRequest{}
	}
	r := ref{thing: req.ThingName, shadow: req.ShadowName, named: true}
	return start[*DeleteNamedShadowRequest, *DeleteShadowResponse](ctx, c, "delete", r, req)
}

// SubscribeToDeltaUpdatedEvents calls `handler` every time the desired
// state of the classic shadow of `thing` diverges from its reported state.
// It returns once the subscription is acknowledged.
func (c *Client) SubscribeToDeltaUpdatedEvents(
	ctx context.Context,
	thing string,
	handler func(*ShadowDeltaUpdatedEvent, error),
) (*mqrpc.EventStream, error) {
	return subscribe(ctx, c, ref{thing: thing}, "update/delta", handler)
}

func (c *Client) SubscribeToNamedDeltaUpdatedEvents(
	ctx context.Context,
	thing, shadow string,
	handler func(*ShadowDeltaUpdatedEvent, error),
) (*mqrpc.EventStream, error) {
	return subscribe(ctx, c, ref{thing: thing, shadow: shadow, named: true}, "update/delta", handler)
}

// SubscribeToUpdatedEvents calls `handler` after every accepted update of
// the classic shadow of `thing`.
func (c *Client) SubscribeToUpdatedEvents(
	ctx context.Context,
	thing string,
	handler func(*ShadowUpdatedEvent, error),
) (*mqrpc.EventStream, error) {
	return subscribe(ctx, c, ref{thing: thing}, "update/documents", handler)
}

func (c *Client) SubscribeToNamedUpdatedEvents(
	ctx context.Context,
	thing, shadow string,
	handler func(*ShadowUpdatedEvent, error),
) (*mqrpc.EventStream, error) {
	return subscribe(ctx, c, ref{thing: thing, shadow: shadow, named: true}, "update/documents", handler)
}

func subscribe[Ev any](ctx context.Context, c *Client, r ref, suffix string, handler func(Ev, error)) (*mqrpc.EventStream, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: an event handler is required", mqrpc.ErrInvalidDescriptor)
	}
	topic, err := r.topic(suffix)
	if err != nil {
		return nil, err
	}

	stream, tok := mqrpc.SubscribeTo(c.engine, topic, codec.JSON[Ev]().Decode, handler)
	if err := mqrpc.WaitToken(ctx, tok); err != nil {
		stream.Close()
		if tok.Error() != nil {
			return nil, fmt.Errorf("%w: %w", mqrpc.ErrSubscribe, err)
		}
		return nil, err
	}
	return stream, nil
}
