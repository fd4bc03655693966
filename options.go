package mqrpc

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	tokenGen     func() string
}

// Option to pass to [New].
type Option func(*config) error

func defaultConfig() config {
	return config{
		msink:    &metrics.BlackholeSink{},
		tokenGen: uuid.NewString,
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Client`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Client.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTokenGenerator replaces the function used to fill empty correlation
// tokens. It defaults to random UUIDs.
//
// Generated tokens MUST be unique among the calls in flight on a client,
// otherwise responses may be delivered to the wrong caller.
func WithTokenGenerator(gen func() string) Option {
	return func(c *config) error {
		if gen == nil {
			return errors.New("token generator cannot be nil")
		}
		c.tokenGen = gen
		return nil
	}
}
