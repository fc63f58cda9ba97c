package exporters

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter discards spans. It keeps span creation, and so trace ids in
// logs and error responses, working without a collector.
type ConsoleExporter struct{}

func (e *ConsoleExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (e *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}
