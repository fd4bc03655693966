package mqrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raskyld/mqrpc/pkg/codec"
	"github.com/stretchr/testify/require"
)

type deltaEvent struct {
	Version int `json:"version"`
}

func TestEventStream(t *testing.T) {
	ft := newFakeTransport(true)
	cl := newTestClient(t, ft)

	type delivery struct {
		ev  *deltaEvent
		err error
	}
	got := make(chan delivery, 4)
	stream, tok := SubscribeTo(cl, "svc/lamp/delta", codec.JSON[*deltaEvent]().Decode, func(ev *deltaEvent, err error) {
		got <- delivery{ev, err}
	})
	require.NoError(t, WaitToken(context.Background(), tok))
	require.Equal(t, "svc/lamp/delta", stream.Topic())

	require.True(t, ft.deliver("svc/lamp/delta", []byte(`{"version":3}`)))
	require.True(t, ft.deliver("svc/lamp/delta", []byte(`{"version":"three"}`)))

	first := <-got
	require.NoError(t, first.err)
	require.Equal(t, 3, first.ev.Version)

	second := <-got
	require.ErrorIs(t, second.err, ErrDecode)
	require.Nil(t, second.ev)

	require.NoError(t, WaitToken(context.Background(), stream.Close()))
	require.NoError(t, WaitToken(context.Background(), stream.Close()))
	require.Len(t, ft.unsubscriptions(), 1, "closing twice unsubscribes once")
	require.False(t, ft.deliver("svc/lamp/delta", []byte(`{"version":4}`)))
}

func TestEventStreamSubscribeFailure(t *testing.T) {
	ft := newFakeTransport(true)
	ft.subErr["svc/lamp/delta"] = errors.New("not authorized")
	cl := newTestClient(t, ft)

	stream, tok := cl.SubscribeEvents("svc/lamp/delta", func(b []byte) (any, error) {
		return b, nil
	}, func(any, error) {
		t.Error("no delivery expected")
	})
	require.ErrorContains(t, WaitToken(context.Background(), tok), "not authorized")

	// The stream is closed by the failure, Close is a no-op.
	require.Eventually(t, func() bool {
		cl.lk.Lock()
		defer cl.lk.Unlock()
		return len(cl.streams) == 0
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return stream.Close().Error() == nil && len(ft.unsubscriptions()) == 0
	}, time.Second, time.Millisecond)
}

func TestEventStreamClosedWithClient(t *testing.T) {
	ft := newFakeTransport(true)
	cl, err := New(ft)
	require.NoError(t, err)

	_, tok := cl.SubscribeEvents("svc/lamp/documents", func(b []byte) (any, error) {
		return b, nil
	}, func(any, error) {})
	require.NoError(t, WaitToken(context.Background(), tok))

	require.NoError(t, cl.Close())
	require.Equal(t, []string{"svc/lamp/documents"}, topicsOf(ft.unsubscriptions()))

	_, tok = cl.SubscribeEvents("svc/lamp/documents", func(b []byte) (any, error) {
		return b, nil
	}, func(any, error) {})
	require.ErrorIs(t, WaitToken(context.Background(), tok), ErrClientClosed)
}
