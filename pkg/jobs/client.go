// Package jobs is a client of the jobs service, which a device polls and
// updates to run the jobs targeting it.
//
// Requests are published under `$aws/things/{thing}/jobs` and correlated
// with their response by `clientToken`.
package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/raskyld/mqrpc"
	"github.com/raskyld/mqrpc/pkg/codec"
)

// NextJobID designates the next pending execution in
// [Client.DescribeJobExecution].
const NextJobID = "$next"

type Client struct {
	engine *mqrpc.Client
}

func NewClient(engine *mqrpc.Client) *Client {
	return &Client{engine: engine}
}

type target struct {
	thing string
	job   string
	// op is the topic suffix of the operation, it may contain `{job}`.
	op string
}

func (t target) topic(suffix string) (string, error) {
	if t.thing == "" {
		return "", mqrpc.MissingField("ThingName")
	}
	if err := validLevel("ThingName", t.thing); err != nil {
		return "", err
	}

	op := t.op
	if strings.Contains(op, "{job}") {
		if t.job == "" {
			return "", mqrpc.MissingField("JobID")
		}
		if err := validLevel("JobID", t.job); err != nil {
			return "", err
		}
		op = strings.ReplaceAll(op, "{job}", t.job)
	}
	return "$aws/things/" + t.thing + "/jobs/" + op + suffix, nil
}

func validLevel(field, value string) error {
	if strings.ContainsAny(value, "/+#") {
		return fmt.Errorf("%w: %s %q is not a topic level", mqrpc.ErrInvalidDescriptor, field, value)
	}
	return nil
}

func start[Req, Resp any](ctx context.Context, c *Client, name string, t target, req Req) *mqrpc.Future[Resp] {
	subTopic := func(suffix string) func(target) (string, error) {
		return func(t target) (string, error) {
			return t.topic(suffix)
		}
	}

	d := mqrpc.Descriptor{
		Publish: mqrpc.NewPublishAction(
			name,
			func(Req) (string, error) { return t.topic("") },
			codec.JSON[Req]().Encode,
		),
		Request: req,
		Accepted: mqrpc.NewSubscribeAction(
			name+"_accepted",
			subTopic("/accepted"),
			codec.JSON[Resp]().Decode,
			codec.JSONToken("clientToken"),
		),
		Rejected: mqrpc.NewSubscribeAction(
			name+"_rejected",
			subTopic("/rejected"),
			codec.JSON[*RejectedError]().Decode,
			codec.JSONToken("clientToken"),
		),
		Subscription: t,
	}
	return mqrpc.As[Resp](c.engine.Start(ctx, d))
}

// DescribeJobExecution fetches one execution of a job. A rejection fails
// the future with a [*RejectedError].
func (c *Client) DescribeJobExecution(ctx context.Context, req *DescribeJobExecutionRequest) *mqrpc.Future[*DescribeJobExecutionResponse] {
	if req == nil {
		req = &DescribeJobExecutionRequest{}
	}
	t := target{thing: req.ThingName, job: req.JobID, op: "{job}/get"}
	return start[*DescribeJobExecutionRequest, *DescribeJobExecutionResponse](ctx, c, "describe_job_execution", t, req)
}

func (c *Client) GetPendingJobExecutions(ctx context.Context, req *GetPendingJobExecutionsRequest) *mqrpc.Future[*GetPendingJobExecutionsResponse] {
	if req == nil {
		req = &GetPendingJobExecutionsRequest{}
	}
	t := target{thing: req.ThingName, op: "get"}
	return start[*GetPendingJobExecutionsRequest, *GetPendingJobExecutionsResponse](ctx, c, "get_pending_job_executions", t, req)
}

// StartNextPendingJobExecution moves the next queued execution of the
// thing to IN_PROGRESS and returns it.
func (c *Client) StartNextPendingJobExecution(ctx context.Context, req *StartNextPendingJobExecutionRequest) *mqrpc.Future[*StartNextJobExecutionResponse] {
	if req == nil {
		req = &StartNextPendingJobExecutionRequest{}
	}
	t := target{thing: req.ThingName, op: "start-next"}
	return start[*StartNextPendingJobExecutionRequest, *StartNextJobExecutionResponse](ctx, c, "start_next_pending_job_execution", t, req)
}

func (c *Client) UpdateJobExecution(ctx context.Context, req *UpdateJobExecutionRequest) *mqrpc.Future[*UpdateJobExecutionResponse] {
	if req == nil {
		req = &UpdateJobExecutionRequest{}
	}
	t := target{thing: req.ThingName, job: req.JobID, op: "{job}/update"}
	return start[*UpdateJobExecutionRequest, *UpdateJobExecutionResponse](ctx, c, "update_job_execution", t, req)
}

// SubscribeToJobExecutionsChangedEvents calls `handler` whenever the list
// of pending executions of `thing` changes. It returns once the
// subscription is acknowledged.
func (c *Client) SubscribeToJobExecutionsChangedEvents(
	ctx context.Context,
	thing string,
	handler func(*JobExecutionsChangedEvent, error),
) (*mqrpc.EventStream, error) {
	return subscribe(ctx, c, target{thing: thing, op: "notify"}, handler)
}

func (c *Client) SubscribeToNextJobExecutionChangedEvents(
	ctx context.Context,
	thing string,
	handler func(*NextJobExecutionChangedEvent, error),
) (*mqrpc.EventStream, error) {
	return subscribe(ctx, c, target{thing: thing, op: "notify-next"}, handler)
}

func subscribe[Ev any](ctx context.Context, c *Client, t target, handler func(Ev, error)) (*mqrpc.EventStream, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: an event handler is required", mqrpc.ErrInvalidDescriptor)
	}
	topic, err := t.topic("")
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
