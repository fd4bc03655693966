package pahomqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// Config describes how to reach an MQTT broker.
//
// Field tags let it be embedded in a `kong` command line.
type Config struct {
	Endpoint       string        `help:"MQTT broker URL (tcp://, ssl://, tls://, ws:// or wss://)." default:"tcp://127.0.0.1:1883"`
	ClientID       string        `help:"MQTT client identifier, generated when empty."`
	QoS            int           `name:"qos" help:"QoS used for requests and subscriptions." default:"1" enum:"0,1,2"`
	KeepAlive      time.Duration `help:"Keep-alive interval." default:"30s"`
	ConnectTimeout time.Duration `help:"Maximum time to establish the connection." default:"10s"`
	Username       string        `help:"Username, if the broker requires one."`
	Password       string        `help:"Password, if the broker requires one."`
	TLS            TLSConfig     `embed:"" prefix:"tls-"`
}

// TLSConfig points to PEM encoded files used to secure the connection.
type TLSConfig struct {
	CAPath     string `name:"ca" help:"PEM file with the certificate(s) of trusted brokers or authorities."`
	CertPath   string `name:"cert" help:"PEM file with the client certificate, for mutual TLS."`
	KeyPath    string `name:"key" help:"PEM file with the client private key, for mutual TLS."`
	ServerName string `help:"Override the server name checked against the broker certificate."`
	NoVerify   bool   `help:"Skip broker certificate verification. Only use it for testing."`
}

// Enabled reports whether any TLS setting was provided.
func (t TLSConfig) Enabled() bool {
	return t.CAPath != "" || t.CertPath != "" || t.KeyPath != "" || t.ServerName != "" || t.NoVerify
}

// ToGoTLSConfig loads the files and builds a `tls.Config`.
func (t TLSConfig) ToGoTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{ // nolint: gosec
		MinVersion: tls.VersionTLS12,
		ServerName: t.ServerName,
	}
	if t.CAPath != "" {
		rootCerts, err := os.ReadFile(t.CAPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTLS, err)
		}
		rootCertPool := x509.NewCertPool()
		if ok := rootCertPool.AppendCertsFromPEM(rootCerts); !ok {
			return nil, fmt.Errorf("%w: no certificate found in %s", ErrInvalidTLS, t.CAPath)
		}
		tlsConfig.RootCAs = rootCertPool
	}
	if t.CertPath != "" || t.KeyPath != "" {
		if t.CertPath == "" || t.KeyPath == "" {
			return nil, fmt.Errorf("%w: both a certificate and a key are required", ErrInvalidTLS)
		}
		keyPair, err := tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTLS, err)
		}
		tlsConfig.Certificates = []tls.Certificate{keyPair}
	}
	if t.NoVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	return tlsConfig, nil
}

func (cfg Config) validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("%w: an endpoint is required", ErrInvalidCfg)
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return fmt.Errorf("%w: QoS must be 0, 1 or 2, got %d", ErrInvalidCfg, cfg.QoS)
	}
	return nil
}
