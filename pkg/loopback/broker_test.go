package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/mqrpc"
	"github.com/raskyld/mqrpc/pkg/codec"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})
	return b
}

type collector struct {
	lk   sync.Mutex
	msgs []Message
}

func (c *collector) handle(topic string, payload []byte) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.msgs = append(c.msgs, Message{Topic: topic, Payload: payload})
}

func (c *collector) payloads() []string {
	c.lk.Lock()
	defer c.lk.Unlock()
	out := make([]string, len(c.msgs))
	for i, msg := range c.msgs {
		out[i] = string(msg.Payload)
	}
	return out
}

func await(t *testing.T, tok mqrpc.Token) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return mqrpc.WaitToken(ctx, tok)
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := newTestBroker(t)

	exact, wild := &collector{}, &collector{}
	require.NoError(t, await(t, b.Subscribe("svc/lamp/events", exact.handle)))
	require.NoError(t, await(t, b.Subscribe("svc/+/events", wild.handle)))

	want := []string{"1", "2", "3", "4", "5"}
	for _, p := range want {
		require.NoError(t, await(t, b.Publish("svc/lamp/events", []byte(p))))
	}
	require.NoError(t, await(t, b.Publish("svc/fan/events", []byte("fan"))))

	require.Eventually(t, func() bool {
		return len(exact.payloads()) == 5 && len(wild.payloads()) == 6
	}, time.Second, time.Millisecond)
	require.Equal(t, want, exact.payloads())
	require.Equal(t, append(want, "fan"), wild.payloads())

	require.Equal(t, []string{"svc/+/events", "svc/lamp/events"}, b.Subscriptions())
	require.Equal(t, Counts{Subscribe: 1, Publish: 5}, b.Counts("svc/lamp/events"))
	require.Equal(t, Counts{Publish: 1}, b.Counts("svc/fan/events"))
}

func TestBrokerPayloadIsCopied(t *testing.T) {
	b := newTestBroker(t)
	got := &collector{}
	require.NoError(t, await(t, b.Subscribe("a", got.handle)))

	payload := []byte("abc")
	require.NoError(t, await(t, b.Publish("a", payload)))
	payload[0] = 'X'

	require.Eventually(t, func() bool {
		return len(got.payloads()) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, "abc", got.payloads()[0])
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	got := &collector{}
	require.NoError(t, await(t, b.Subscribe("a/#", got.handle)))
	require.NoError(t, await(t, b.Unsubscribe("a/#")))
	require.NoError(t, await(t, b.Unsubscribe("never/subscribed")))

	require.NoError(t, await(t, b.Publish("a/b", []byte("x"))))
	require.Never(t, func() bool {
		return len(got.payloads()) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	require.Empty(t, b.Subscriptions())
}

func TestBrokerResubscribeReplacesHandler(t *testing.T) {
	b := newTestBroker(t)
	first, second := &collector{}, &collector{}
	require.NoError(t, await(t, b.Subscribe("a", first.handle)))
	require.NoError(t, await(t, b.Subscribe("a", second.handle)))

	require.NoError(t, await(t, b.Publish("a", []byte("x"))))
	require.Eventually(t, func() bool {
		return len(second.payloads()) == 1
	}, time.Second, time.Millisecond)
	require.Empty(t, first.payloads())
}

func TestBrokerFailureInjection(t *testing.T) {
	b := newTestBroker(t)
	denied := errors.New("denied")

	b.FailSubscribe("a", denied)
	require.ErrorIs(t, await(t, b.Subscribe("a", func(string, []byte) {})), denied)
	require.Empty(t, b.Subscriptions())
	b.FailSubscribe("a", nil)
	require.NoError(t, await(t, b.Subscribe("a", func(string, []byte) {})))

	b.FailPublish("a", denied)
	require.ErrorIs(t, await(t, b.Publish("a", nil)), denied)

	b.FailUnsubscribe("a", denied)
	require.ErrorIs(t, await(t, b.Unsubscribe("a")), denied)
	require.Equal(t, []string{"a"}, b.Subscriptions())

	require.ErrorIs(t, await(t, b.Subscribe("a/#/b", nil)), ErrInvalidFilter)
	require.ErrorIs(t, await(t, b.Publish("a/+", nil)), ErrInvalidTopic)
}

func TestBrokerResponder(t *testing.T) {
	b := newTestBroker(t)
	got := &collector{}
	require.NoError(t, await(t, b.Subscribe("echo/reply", got.handle)))

	b.Handle("echo", func(_ string, payload []byte) []Message {
		return []Message{{Topic: "echo/reply", Payload: append([]byte("re:"), payload...)}}
	})
	require.NoError(t, await(t, b.Publish("echo", []byte("hi"))))
	require.Eventually(t, func() bool {
		return len(got.payloads()) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, "re:hi", got.payloads()[0])

	b.Handle("echo", nil)
	require.NoError(t, await(t, b.Publish("echo", []byte("again"))))
	require.Never(t, func() bool {
		return len(got.payloads()) > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBrokerClose(t *testing.T) {
	b := New()
	blocked := make(chan struct{})
	require.NoError(t, await(t, b.Subscribe("slow", func(string, []byte) {
		<-blocked
	})))
	require.NoError(t, await(t, b.Publish("slow", nil)))
	require.NoError(t, await(t, b.Publish("slow", nil)))

	close(blocked)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.ErrorIs(t, await(t, b.Publish("slow", nil)), ErrBrokerClosed)
	require.ErrorIs(t, await(t, b.Subscribe("slow", nil)), ErrBrokerClosed)
	require.ErrorIs(t, await(t, b.Unsubscribe("slow")), ErrBrokerClosed)
}

// The engine driven by the loopback broker and a simulated service.

type pingRequest struct {
	Thing       string `json:"-"`
	ClientToken string `json:"clientToken,omitempty"`
}

func (r *pingRequest) CorrelationToken() string       { return r.ClientToken }
func (r *pingRequest) SetCorrelationToken(tok string) { r.ClientToken = tok }

type pingResponse struct {
	ClientToken string `json:"clientToken"`
	Thing       string `json:"thing"`
}

func (r *pingResponse) CorrelationToken() string { return r.ClientToken }

func pingTopic(thing, suffix string) (string, error) {
	if thing == "" {
		return "", mqrpc.MissingField("Thing")
	}
	return "svc/" + thing + "/ping" + suffix, nil
}

func ping(thing string) mqrpc.Descriptor {
	return mqrpc.Descriptor{
		Publish: mqrpc.NewPublishAction(
			"ping",
			func(r *pingRequest) (string, error) { return pingTopic(r.Thing, "") },
			codec.JSON[*pingRequest]().Encode,
		),
		Request: &pingRequest{Thing: thing},
		Accepted: mqrpc.NewSubscribeAction(
			"ping_accepted",
			func(thing string) (string, error) { return pingTopic(thing, "/accepted") },
			codec.JSON[*pingResponse]().Decode,
			codec.JSONToken("clientToken"),
		),
		Rejected: mqrpc.NewSubscribeAction(
			"ping_rejected",
			func(thing string) (string, error) { return pingTopic(thing, "/rejected") },
			codec.JSON[*pingResponse]().Decode,
			codec.JSONToken("clientToken"),
		),
		Subscription: thing,
	}
}

func pingService(thing string) Responder {
	return func(_ string, payload []byte) []Message {
		req := &pingRequest{}
		if err := json.Unmarshal(payload, req); err != nil {
			return nil
		}
		resp, _ := json.Marshal(pingResponse{ClientToken: req.ClientToken, Thing: thing})
		return []Message{{Topic: "svc/" + thing + "/ping/accepted", Payload: resp}}
	}
}

func TestBrokerDrivesClient(t *testing.T) {
	b := newTestBroker(t)
	b.Handle("svc/lamp/ping", pingService("lamp"))

	cl, err := mqrpc.New(b)
	require.NoError(t, err)
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := mqrpc.Invoke[*pingResponse](ctx, cl, ping("lamp"))
			if err != nil {
				t.Error(err)
				return
			}
			if resp.Thing != "lamp" {
				t.Errorf("unexpected response %+v", resp)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(b.Subscriptions()) == 0
	}, time.Second, time.Millisecond, "every response subscription is released")
	require.Equal(t, 20, b.Counts("svc/lamp/ping").Publish)
	require.Equal(t,
		b.Counts("svc/lamp/ping/accepted").Subscribe,
		b.Counts("svc/lamp/ping/accepted").Unsubscribe,
	)

	b.FailSubscribe("svc/lamp/ping/rejected", errors.New("not authorized"))
	_, err = mqrpc.Invoke[*pingResponse](ctx, cl, ping("lamp"))
	require.ErrorIs(t, err, mqrpc.ErrSubscribe)
}
