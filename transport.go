package mqrpc

import "context"

// Token is the acknowledgment of an asynchronous transport request.
//
// `Done` is closed once the transport settled the request and `Error`
// then tells whether it failed. Tokens returned by
// `github.com/eclipse/paho.mqtt.golang` satisfy this interface.
type Token interface {
	Done() <-chan struct{}
	Error() error
}

// MessageHandler is invoked by a [Transport] for every message received on
// a subscribed topic.
//
// Implementations of [Transport] MAY invoke it from any goroutine, but
// MUST NOT invoke it concurrently for the same subscription if they want
// responses to be matched in arrival order.
type MessageHandler func(topic string, payload []byte)

// Transport is the pub/sub facade the [Client] drives.
//
// None of its methods may block waiting for the broker: they return
// a [Token] which completes once the broker acknowledged the request.
// Returned tokens MUST eventually complete.
type Transport interface {
	Publish(topic string, payload []byte) Token
	Subscribe(topic string, handler MessageHandler) Token
	Unsubscribe(topic string) Token
}

// WaitToken blocks until `tok` completes or `ctx` ends.
func WaitToken(ctx context.Context, tok Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
