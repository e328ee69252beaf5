package correlation

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "  abc ")
	ctx, cid := EnsureCorrelationID(ctx)
	require.Equal(t, "abc", cid)
	require.Equal(t, "abc", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	require.Len(t, cid, 26)
	require.Equal(t, cid, ExtractCorrelationID(ctx))
}

func TestFromRequestRejectsOversizedHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderName, strings.Repeat("x", maxLength+1))
	_, cid := FromRequest(context.Background(), h)
	require.Len(t, cid, 26)

	h.Set(HeaderName, "delivery-7")
	ctx, cid := FromRequest(context.Background(), h)
	require.Equal(t, "delivery-7", cid)

	out := http.Header{}
	Inject(ctx, out)
	require.Equal(t, "delivery-7", out.Get(HeaderName))

	empty := http.Header{}
	Inject(context.Background(), empty)
	require.Empty(t, empty.Get(HeaderName))
}

func TestStampMetadataAddsTraceIdentifiers(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	md := StampMetadata(ctx, map[string]any{"correlation_id": "keep-me"})
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", md["trace_id"])
	require.Equal(t, "00f067aa0ba902b7", md["span_id"])
	require.Equal(t, "keep-me", md["correlation_id"])
	require.NotEmpty(t, md["published_at"])

	require.Len(t, StampMetadata(context.Background(), nil)["correlation_id"], 26)
}
