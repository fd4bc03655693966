// Package pahomqtt implements `mqrpc.Transport` on top of the Eclipse
// Paho MQTT client.
package pahomqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/raskyld/mqrpc"
)

var (
	ErrInvalidCfg          = errors.New("pahomqtt: invalid configuration")
	ErrInvalidTLS          = errors.New("pahomqtt: invalid TLS configuration")
	ErrConnect             = errors.New("pahomqtt: could not connect")
	ErrSubscriptionRefused = errors.New("pahomqtt: broker refused the subscription")
)

// subackFailure is the SUBACK return code of a refused subscription.
const subackFailure = 0x80

var _ mqrpc.Transport = (*Transport)(nil)

// Client is the part of `mqtt.Client` the transport needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// subackResult is implemented by `*mqtt.SubscribeToken`.
type subackResult interface {
	Result() map[string]byte
}

type Transport struct {
	client Client
	qos    byte
	logger *slog.Logger

	// conn is set when the transport owns the connection.
	conn mqtt.Client
}

// Option to pass to [New] and [Dial].
type Option func(*Transport)

// WithQoS sets the QoS of publications and subscriptions. Default is 1.
func WithQoS(qos byte) Option {
	return func(t *Transport) {
		t.qos = qos
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(t *Transport) {
		if handler != nil {
			t.logger = slog.New(handler)
		}
	}
}

// New wraps an already configured client.
func New(client Client, opts ...Option) *Transport {
	t := &Transport{
		client: client,
		qos:    1,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial connects to the broker described by `cfg`.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "mqrpc-" + uuid.NewString()
	}

	mopts := mqtt.NewClientOptions().
		AddBroker(cfg.Endpoint).
		SetClientID(clientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		// Responses without correlation token are matched in arrival order.
		SetOrderMatters(true)
	if cfg.Username != "" {
		mopts.SetUsername(cfg.Username)
		mopts.SetPassword(cfg.Password)
	}
	if cfg.TLS.Enabled() {
		tlsConf, err := cfg.TLS.ToGoTLSConfig()
		if err != nil {
			return nil, err
		}
		mopts.SetTLSConfig(tlsConf)
	}

	conn := mqtt.NewClient(mopts)
	tok := conn.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, cfg.Endpoint, err)
		}
	case <-ctx.Done():
		conn.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, cfg.Endpoint, context.Cause(ctx))
	}

	t := New(conn, append([]Option{WithQoS(byte(cfg.QoS))}, opts...)...)
	t.conn = conn
	t.logger.Info("connected", "endpoint", cfg.Endpoint, "client_id", clientID)
	return t, nil
}

func (t *Transport) Publish(topic string, payload []byte) mqrpc.Token {
	return t.client.Publish(topic, t.qos, false, payload)
}

func (t *Transport) Subscribe(topic string, handler mqrpc.MessageHandler) mqrpc.Token {
	tok := t.client.Subscribe(topic, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	suback, ok := tok.(subackResult)
	if !ok {
		return tok
	}

	fut := mqrpc.NewFuture[struct{}]()
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			fut.Reject(err)
			return
		}
		if code, found := suback.Result()[topic]; found && code == subackFailure {
			t.logger.Warn("subscription refused", "topic", topic)
			fut.Reject(fmt.Errorf("%w: %s", ErrSubscriptionRefused, topic))
			return
		}
		fut.Resolve(struct{}{})
	}()
	return fut
}

func (t *Transport) Unsubscribe(topic string) mqrpc.Token {
	return t.client.Unsubscribe(topic)
}

// Close disconnects from the broker if the transport was created by
// [Dial], waiting up to `quiesce` milliseconds for pending work.
func (t *Transport) Close(quiesce uint) {
	if t.conn != nil {
		t.conn.Disconnect(quiesce)
	}
}
