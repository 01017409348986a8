package obs

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "factoryauth.org"

// Tracer returns the tracer used for engine spans. Without an SDK provider
// installed by the host process, spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
