// Package correlation carries the id that ties a webhook delivery to the
// event, usage rows, quota notifications and billing calls it produces.
package correlation

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	obscontext "github.com/smallbiznis/trustmeter/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderName = "X-Correlation-ID"

	// maxLength bounds caller-supplied ids; longer ones are replaced.
	maxLength = 128
)

func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return obscontext.CorrelationIDFromContext(ctx)
}

// ContextWithCorrelationID ignores blank and oversized ids.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLength {
		return ctx
	}
	return obscontext.WithCorrelationID(ctx, id)
}

// EnsureCorrelationID returns ctx with a correlation id, minting a ULID
// when none is present.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if cid := ExtractCorrelationID(ctx); cid != "" {
		return ctx, cid
	}
	cid := ulid.Make().String()
	return obscontext.WithCorrelationID(ctx, cid), cid
}

// FromRequest adopts the caller's X-Correlation-ID or mints a new one.
func FromRequest(ctx context.Context, h http.Header) (context.Context, string) {
	return EnsureCorrelationID(ContextWithCorrelationID(ctx, h.Get(HeaderName)))
}

// Inject copies the correlation id on ctx onto an outbound request.
func Inject(ctx context.Context, h http.Header) {
	if cid := ExtractCorrelationID(ctx); cid != "" {
		h.Set(HeaderName, cid)
	}
}

// StampMetadata writes correlation and trace identifiers into an outbound
// payload's metadata map, creating it if needed. An id already present in
// the map wins.
func StampMetadata(ctx context.Context, metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if cid, _ := metadata["correlation_id"].(string); cid == "" {
		_, metadata["correlation_id"] = EnsureCorrelationID(ctx)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
		metadata["span_id"] = sc.SpanID().String()
	}
	metadata["published_at"] = time.Now().UTC().Format(time.RFC3339)
	return metadata
}
