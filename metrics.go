package mqrpc

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricCallStartCount counts calls accepted by [Client.Start].
	MetricCallStartCount = []string{"mqrpc", "call", "start", "count"}
	// MetricCallDoneCount counts completed calls, labelled by outcome.
	MetricCallDoneCount      = []string{"mqrpc", "call", "done", "count"}
	MetricCallDuration       = []string{"mqrpc", "call", "duration", "ms"}
	MetricSubscribeCount     = []string{"mqrpc", "subscribe", "count"}
	MetricSubscribeErrCount  = []string{"mqrpc", "subscribe", "error", "count"}
	MetricUnsubscribeCount   = []string{"mqrpc", "unsubscribe", "count"}
	MetricPublishErrCount    = []string{"mqrpc", "publish", "error", "count"}
	MetricDecodeErrCount     = []string{"mqrpc", "decode", "error", "count"}
	MetricUnmatchedCount     = []string{"mqrpc", "message", "unmatched", "count"}
	MetricTopicEntriesGauge  = []string{"mqrpc", "topic", "entries"}
	MetricEventDeliveryCount = []string{"mqrpc", "event", "delivery", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelOperation TelemetryLabel = "operation"
	LabelOutcome   TelemetryLabel = "outcome"
	LabelTopic     TelemetryLabel = "topic"
	LabelToken     TelemetryLabel = "token"
	LabelDuration  TelemetryLabel = "duration"
	LabelPending   TelemetryLabel = "pending"
)

const (
	outcomeSuccess  = "success"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
