package pahomqtt

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/raskyld/mqrpc"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done   chan struct{}
	err    error
	result map[string]byte
}

func completedToken(err error) *fakeToken {
	tok := &fakeToken{done: make(chan struct{}), err: err}
	close(tok.done)
	return tok
}

func (tok *fakeToken) Wait() bool                     { <-tok.done; return true }
func (tok *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (tok *fakeToken) Done() <-chan struct{}          { return tok.done }
func (tok *fakeToken) Error() error                   { return tok.err }

type subackToken struct {
	*fakeToken
}

func (tok subackToken) Result() map[string]byte { return tok.result }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(mqtt.Token)
}

func (m *mockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	args := m.Called(topic, qos, callback)
	return args.Get(0).(mqtt.Token)
}

func (m *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	args := m.Called(topics)
	return args.Get(0).(mqtt.Token)
}

func TestTransportPublish(t *testing.T) {
	client := &mockClient{}
	client.On("Publish", "svc/get", byte(0), false, []byte("{}")).Return(completedToken(nil)).Once()
	client.On("Unsubscribe", []string{"svc/get/accepted"}).Return(completedToken(errors.New("gone"))).Once()

	tr := New(client, WithQoS(0))
	require.NoError(t, mqrpc.WaitToken(context.Background(), tr.Publish("svc/get", []byte("{}"))))
	require.EqualError(t, mqrpc.WaitToken(context.Background(), tr.Unsubscribe("svc/get/accepted")), "gone")
	client.AssertExpectations(t)
}

func TestTransportSubscribe(t *testing.T) {
	client := &mockClient{}
	var callback mqtt.MessageHandler
	client.On("Subscribe", "svc/get/accepted", byte(1), mock.Anything).
		Run(func(args mock.Arguments) {
			callback = args.Get(2).(mqtt.MessageHandler)
		}).
		Return(completedToken(nil)).Once()

	got := make(chan string, 1)
	tr := New(client)
	tok := tr.Subscribe("svc/get/accepted", func(topic string, payload []byte) {
		got <- topic + ":" + string(payload)
	})
	require.NoError(t, mqrpc.WaitToken(context.Background(), tok))

	callback(nil, fakeMessage{topic: "svc/get/accepted", payload: []byte("ok")})
	require.Equal(t, "svc/get/accepted:ok", <-got)
	client.AssertExpectations(t)
}

func TestTransportSubscribeRefused(t *testing.T) {
	client := &mockClient{}
	refused := subackToken{completedToken(nil)}
	refused.result = map[string]byte{"$aws/things/lamp/shadow/get/accepted": subackFailure}
	granted := subackToken{completedToken(nil)}
	granted.result = map[string]byte{"$aws/things/lamp/shadow/get/rejected": 1}
	failed := subackToken{completedToken(errors.New("not connected"))}

	client.On("Subscribe", "$aws/things/lamp/shadow/get/accepted", byte(1), mock.Anything).Return(refused).Once()
	client.On("Subscribe", "$aws/things/lamp/shadow/get/rejected", byte(1), mock.Anything).Return(granted).Once()
	client.On("Subscribe", "$aws/things/lamp/shadow/update/accepted", byte(1), mock.Anything).Return(failed).Once()

	tr := New(client)
	noop := func(string, []byte) {}
	err := mqrpc.WaitToken(context.Background(), tr.Subscribe("$aws/things/lamp/shadow/get/accepted", noop))
	require.ErrorIs(t, err, ErrSubscriptionRefused)
	require.NoError(t, mqrpc.WaitToken(context.Background(), tr.Subscribe("$aws/things/lamp/shadow/get/rejected", noop)))
	err = mqrpc.WaitToken(context.Background(), tr.Subscribe("$aws/things/lamp/shadow/update/accepted", noop))
	require.EqualError(t, err, "not connected")
	client.AssertExpectations(t)
}

func TestDialValidation(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Dial(context.Background(), Config{Endpoint: "tcp://127.0.0.1:1883", QoS: 3})
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Dial(context.Background(), Config{
		Endpoint: "tls://127.0.0.1:8883",
		TLS:      TLSConfig{CAPath: filepath.Join(t.TempDir(), "missing.pem")},
	})
	require.ErrorIs(t, err, ErrInvalidTLS)
}

func TestDialRefused(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, Config{
		Endpoint:       "tcp://" + addr,
		ConnectTimeout: time.Second,
		KeepAlive:      time.Second,
	})
	require.ErrorIs(t, err, ErrConnect)
}

// Certificates helpers.

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCert(t *testing.T, parent *x509.Certificate, parentKey, key *ecdsa.PrivateKey, cn string, isCA bool) ([]byte, *x509.Certificate) {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	if parent == nil {
		parent, parentKey = tmpl, key
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("failed to generate certificate: %s", err)
		return nil, nil
	}
	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	return certDER, cert
}

func writePEM(t *testing.T, path, kind string, der []byte) {
	t.Helper()
	buf := pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
	require.NoError(t, os.WriteFile(path, buf, 0o600))
}

func TestTLSConfig(t *testing.T) {
	dir := t.TempDir()

	caKey := generateKeyPair(t)
	caDER, ca := generateCert(t, nil, nil, caKey, "self-signed", true)
	deviceKey := generateKeyPair(t)
	deviceDER, _ := generateCert(t, ca, caKey, deviceKey, "lamp", false)
	keyDER, err := x509.MarshalECPrivateKey(deviceKey)
	require.NoError(t, err)

	caPath := filepath.Join(dir, "ca.pem")
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	garbagePath := filepath.Join(dir, "garbage.pem")
	writePEM(t, caPath, "CERTIFICATE", caDER)
	writePEM(t, certPath, "CERTIFICATE", deviceDER)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)
	require.NoError(t, os.WriteFile(garbagePath, []byte("not a pem"), 0o600))

	t.Run("mutual TLS", func(t *testing.T) {
		cfg := TLSConfig{CAPath: caPath, CertPath: certPath, KeyPath: keyPath, ServerName: "broker"}
		require.True(t, cfg.Enabled())
		tlsConf, err := cfg.ToGoTLSConfig()
		require.NoError(t, err)
		require.NotNil(t, tlsConf.RootCAs)
		require.Len(t, tlsConf.Certificates, 1)
		require.Equal(t, "broker", tlsConf.ServerName)
		require.False(t, tlsConf.InsecureSkipVerify)
	})

	t.Run("disabled", func(t *testing.T) {
		require.False(t, TLSConfig{}.Enabled())
	})

	t.Run("invalid CA", func(t *testing.T) {
		_, err := TLSConfig{CAPath: garbagePath}.ToGoTLSConfig()
		require.ErrorIs(t, err, ErrInvalidTLS)
	})

	t.Run("certificate without key", func(t *testing.T) {
		_, err := TLSConfig{CertPath: certPath}.ToGoTLSConfig()
		require.ErrorIs(t, err, ErrInvalidTLS)
	})

	t.Run("mismatched key", func(t *testing.T) {
		otherDER, err := x509.MarshalECPrivateKey(generateKeyPair(t))
		require.NoError(t, err)
		otherPath := filepath.Join(dir, "other.pem")
		writePEM(t, otherPath, "EC PRIVATE KEY", otherDER)

		_, err = TLSConfig{CertPath: certPath, KeyPath: otherPath}.ToGoTLSConfig()
		require.ErrorIs(t, err, ErrInvalidTLS)
	})
}
