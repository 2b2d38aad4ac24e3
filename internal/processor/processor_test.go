package processor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dev7a/serverless-otlp-forwarder/internal/compactor"
	"github.com/dev7a/serverless-otlp-forwarder/internal/sender"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otlpTraceColl "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	otlpTraces "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// stubParser emits a fixed set of units, or fails.
type stubParser struct {
	items []telemetry.Data
	err   error
}

func (s *stubParser) Parse(event []string, source string) ([]telemetry.Data, error) {
	return s.items, s.err
}

func otlpUnit(t *testing.T, spanName string) telemetry.Data {
	t.Helper()
	request := &otlpTraceColl.ExportTraceServiceRequest{
		ResourceSpans: []*otlpTraces.ResourceSpans{
			{ScopeSpans: []*otlpTraces.ScopeSpans{{Spans: []*otlpTraces.Span{{Name: spanName}}}}},
		},
	}
	payload, err := proto.Marshal(request)
	require.NoError(t, err)
	item, err := telemetry.NewData(payload, "test-source", "")
	require.NoError(t, err)
	return item
}

func TestProcessEventBatchSuccess(t *testing.T) {
	var posts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	t.Setenv(sender.EnvTracesEndpoint, server.URL+"/v1/traces")

	p := &stubParser{items: []telemetry.Data{otlpUnit(t, "a"), otlpUnit(t, "b")}}
	err := ProcessEventBatch(context.Background(), []string{"r1", "r2"}, p, "src",
		sender.New(zap.NewNop(), nil), compactor.Config{Compression: compactor.Gzip, CompressionLevel: 9}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, posts, "two parsed units must leave as one POST")
}

func TestProcessEventBatchParserFailure(t *testing.T) {
	p := &stubParser{err: errors.New("bad payload shape")}
	err := ProcessEventBatch(context.Background(), []string{"r"}, p, "src",
		sender.New(zap.NewNop(), nil), compactor.Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event parsing failed")
}

func TestProcessEventBatchEmptyParseIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty parse")
	}))
	defer server.Close()
	t.Setenv(sender.EnvTracesEndpoint, server.URL)

	p := &stubParser{}
	err := ProcessEventBatch(context.Background(), []string{"r"}, p, "src",
		sender.New(zap.NewNop(), nil), compactor.Config{}, zap.NewNop())
	assert.NoError(t, err)
}

func TestProcessEventBatchSenderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	t.Setenv(sender.EnvTracesEndpoint, server.URL)

	p := &stubParser{items: []telemetry.Data{otlpUnit(t, "a")}}
	err := ProcessEventBatch(context.Background(), []string{"r"}, p, "src",
		sender.New(zap.NewNop(), nil), compactor.Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sending telemetry batch failed")
}
