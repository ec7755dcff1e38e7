package realtime

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "campaignsync/internal/realtime"

// instruments holds the tracer and counters resolved from the global
// providers. With no provider registered they are no-ops.
type instruments struct {
	tracer      trace.Tracer
	published   metric.Int64Counter
	ephemeral   metric.Int64Counter
	dropped     metric.Int64Counter
	resyncs     metric.Int64Counter
	connections metric.Int64UpDownCounter
	rejected    metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	ins := &instruments{tracer: otel.Tracer(instrumentationName)}
	// Errors only occur for invalid instrument names; the returned
	// instruments are still usable no-ops.
	ins.published, _ = meter.Int64Counter("realtime.events.published",
		metric.WithDescription("Sequenced events appended to a room log"))
	ins.ephemeral, _ = meter.Int64Counter("realtime.events.ephemeral",
		metric.WithDescription("Presence and typing frames fanned out without a sequence"))
	ins.dropped, _ = meter.Int64Counter("realtime.connections.dropped",
		metric.WithDescription("Connections removed by the server"))
	ins.resyncs, _ = meter.Int64Counter("realtime.resyncs",
		metric.WithDescription("Reconnect replays by outcome"))
	ins.connections, _ = meter.Int64UpDownCounter("realtime.connections.active",
		metric.WithDescription("Registered connections"))
	ins.rejected, _ = meter.Int64Counter("realtime.requests.rejected",
		metric.WithDescription("Inbound requests answered with an error frame"))
	return ins
}

func roomAttr(key RoomKey) attribute.KeyValue {
	return attribute.String("room.scope", string(key.Scope))
}
