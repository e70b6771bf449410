package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// HeadersFromContext picks the trace id of the active span, if any.
func HeadersFromContext(ctx context.Context) map[string]string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return BuildHeaders("", "")
	}
	return BuildHeaders("", sc.TraceID().String())
}
