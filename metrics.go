package cnode

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/cnode/pkg/epmd"
)

var (
	MetricHandshakeCount       = []string{"cnode", "handshake", "count"}
	MetricHandshakeErrorCount  = []string{"cnode", "handshake", "error", "count"}
	MetricFrameInBytes         = []string{"cnode", "frame", "in", "bytes"}
	MetricFrameOutBytes        = []string{"cnode", "frame", "out", "bytes"}
	MetricTickInCount          = []string{"cnode", "tick", "in", "count"}
	MetricTickOutCount         = []string{"cnode", "tick", "out", "count"}
	MetricMessageInCount       = []string{"cnode", "message", "in", "count"}
	MetricMessageOutCount      = []string{"cnode", "message", "out", "count"}
	MetricMessageSkippedCount  = []string{"cnode", "message", "skipped", "count"}
	MetricDecodeErrorCount     = []string{"cnode", "decode", "error", "count"}
	MetricReceiveErrorCount    = []string{"cnode", "receive", "error", "count"}
	MetricSendErrorCount       = []string{"cnode", "send", "error", "count"}
	MetricResolveErrorCount    = []string{"cnode", "resolve", "error", "count"}
	MetricResolveCacheHitCount = []string{"cnode", "resolve", "cache", "hit", "count"}
)

// TelemetryLabel is a key shared by metric labels and log attributes.
type TelemetryLabel string

var (
	LabelError    TelemetryLabel = epmd.LogKeyError
	LabelNode     TelemetryLabel = epmd.LogKeyNode
	LabelPeerName TelemetryLabel = "peer_name"
	LabelPeerAddr TelemetryLabel = epmd.LogKeyPeerAddr
	LabelSide     TelemetryLabel = "side"
	LabelOp       TelemetryLabel = "op"
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

// withLabels returns a fresh slice so the static labels of the caller are
// never aliased by an append.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}
