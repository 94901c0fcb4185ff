package obs

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the Relay-specific instruments shared by HD and SB.
// Only the host side populates SpoolDepth; only the broker side
// increments PeerConnects/PeerDisconnects.
type Metrics struct {
	RunsStarted      metric.Int64Counter
	RunDuration      metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	PeerConnects     metric.Int64Counter
	PeerDisconnects  metric.Int64Counter
	SpoolDepthBytes  metric.Int64ObservableGauge
}

// NewMetrics creates every metric instrument from the given meter.
// SpoolDepthBytes is observable; register its callback separately via
// RegisterSpoolDepthCallback once the spool is open.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("relay.run.started",
		metric.WithDescription("Total PTY runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("relay.run.duration",
		metric.WithDescription("Run wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("relay.tool.duration",
		metric.WithDescription("Tool Bridge operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("relay.tool.errors",
		metric.WithDescription("Tool Bridge operation error count"),
	)
	if err != nil {
		return nil, err
	}

	m.PeerConnects, err = meter.Int64Counter("relay.peer.connects",
		metric.WithDescription("Host/app WebSocket connections accepted by the Server Broker"),
	)
	if err != nil {
		return nil, err
	}

	m.PeerDisconnects, err = meter.Int64Counter("relay.peer.disconnects",
		metric.WithDescription("Host/app WebSocket connections closed"),
	)
	if err != nil {
		return nil, err
	}

	m.SpoolDepthBytes, err = meter.Int64ObservableGauge("relay.spool.depth_bytes",
		metric.WithDescription("Bytes of unacknowledged events held in the host spool"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterSpoolDepthCallback wires the spool-depth gauge to poll fn
// (typically *spool.Spool.TotalBytes) on every collection cycle.
func (m *Metrics) RegisterSpoolDepthCallback(meter metric.Meter, fn func() int64) error {
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.SpoolDepthBytes, fn())
		return nil
	}, m.SpoolDepthBytes)
	return err
}
