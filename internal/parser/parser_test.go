package parser

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/dev7a/serverless-otlp-forwarder/internal/envelope"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otlpTraceColl "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	otlpTraces "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

func testRequest(spanNames ...string) *otlpTraceColl.ExportTraceServiceRequest {
	spans := make([]*otlpTraces.Span, 0, len(spanNames))
	for _, name := range spanNames {
		spans = append(spans, &otlpTraces.Span{Name: name})
	}
	return &otlpTraceColl.ExportTraceServiceRequest{
		ResourceSpans: []*otlpTraces.ResourceSpans{
			{ScopeSpans: []*otlpTraces.ScopeSpans{{Spans: spans}}},
		},
	}
}

func envelopeLine(t *testing.T, request *otlpTraceColl.ExportTraceServiceRequest, level string) string {
	t.Helper()
	protoBytes, err := proto.Marshal(request)
	require.NoError(t, err)
	compressed, err := telemetry.Gzip(protoBytes, 6)
	require.NoError(t, err)

	env := &envelope.Envelope{
		Version:         envelope.Version,
		Source:          "test-service",
		Endpoint:        envelope.DefaultEndpoint,
		Method:          "POST",
		ContentType:     telemetry.ContentTypeProtobuf,
		ContentEncoding: telemetry.EncodingGzip,
		Payload:         base64.StdEncoding.EncodeToString(compressed),
		Base64:          true,
		Level:           level,
	}
	line, err := env.Encode()
	require.NoError(t, err)
	return line
}

func decodeUnit(t *testing.T, item telemetry.Data) *otlpTraceColl.ExportTraceServiceRequest {
	t.Helper()
	var request otlpTraceColl.ExportTraceServiceRequest
	require.NoError(t, proto.Unmarshal(item.Payload, &request))
	return &request
}

func TestEnvelopeParserRoundTrip(t *testing.T) {
	p := NewEnvelopeParser(zap.NewNop())
	lines := []string{envelopeLine(t, testRequest("op"), "")}

	items, err := p.Parse(lines, "/aws/lambda/fn")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "test-service", items[0].Source)
	assert.Equal(t, envelope.DefaultEndpoint, items[0].Endpoint)
	assert.Empty(t, items[0].ContentEncoding)

	request := decodeUnit(t, items[0])
	assert.Equal(t, "op", request.ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
}

func TestEnvelopeParserSkipsMalformedRecords(t *testing.T) {
	p := NewEnvelopeParser(zap.NewNop())
	lines := []string{
		"START RequestId: 8f3e-deadbeef Version: $LATEST",
		`{"some": "other json"}`,
		envelopeLine(t, testRequest("kept"), ""),
		`{"__otel_otlp_stdout": "0.1.0", "payload": "bm90IGd6aXA=", "base64": true, "content-type": "application/x-protobuf", "content-encoding": "gzip"}`,
	}

	items, err := p.Parse(lines, "src")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "kept", decodeUnit(t, items[0]).ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
}

func TestEnvelopeParserJSONPayload(t *testing.T) {
	payload := []byte(`{"resourceSpans": [{"scopeSpans": [{"spans": [{"name": "json-op"}]}]}]}`)
	compressed, err := telemetry.Gzip(payload, 6)
	require.NoError(t, err)

	env := &envelope.Envelope{
		Version:         envelope.Version,
		Source:          "json-service",
		Endpoint:        envelope.DefaultEndpoint,
		Method:          "POST",
		ContentType:     telemetry.ContentTypeJSON,
		ContentEncoding: telemetry.EncodingGzip,
		Payload:         base64.StdEncoding.EncodeToString(compressed),
		Base64:          true,
	}
	line, err := env.Encode()
	require.NoError(t, err)

	p := NewEnvelopeParser(zap.NewNop())
	items, err := p.Parse([]string{line}, "src")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "json-op", decodeUnit(t, items[0]).ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
}

func TestEnvelopeParserMinLevelGate(t *testing.T) {
	p := NewEnvelopeParser(zap.NewNop())
	min := envelope.LevelWarn
	p.MinLevel = &min

	lines := []string{
		envelopeLine(t, testRequest("debug-span"), "DEBUG"),
		envelopeLine(t, testRequest("error-span"), "ERROR"),
		envelopeLine(t, testRequest("unlabeled-span"), ""),
	}
	items, err := p.Parse(lines, "src")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "error-span", decodeUnit(t, items[0]).ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
	assert.Equal(t, "unlabeled-span", decodeUnit(t, items[1]).ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
}

func TestRawSpanParserConvertsSpan(t *testing.T) {
	line := `{
		"name": "handler",
		"traceId": "0123456789abcdef0123456789abcdef",
		"spanId": "0123456789abcdef",
		"parentSpanId": "fedcba9876543210",
		"kind": "SERVER",
		"startTimeUnixNano": 1000000000,
		"endTimeUnixNano": 1500000000,
		"attributes": {"PlatformType": "AWS::Lambda", "retries": 2},
		"status": {"code": "OK"},
		"resource": {"attributes": {"service.name": "test-service"}},
		"scope": {"name": "aws-span-processor", "version": "1.0"}
	}`

	p := NewRawSpanParser(zap.NewNop())
	items, err := p.Parse([]string{line}, "/aws/appsignals/group")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/aws/appsignals/group", items[0].Source)

	request := decodeUnit(t, items[0])
	require.Len(t, request.ResourceSpans, 1)
	span := request.ResourceSpans[0].ScopeSpans[0].Spans[0]
	assert.Equal(t, "handler", span.Name)
	assert.EqualValues(t, 2, span.Kind)
	assert.EqualValues(t, 1, span.Status.Code)
	assert.Len(t, span.TraceId, 16)
	assert.Len(t, span.SpanId, 8)
	assert.EqualValues(t, 1000000000, span.StartTimeUnixNano)
	assert.EqualValues(t, 1500000000, span.EndTimeUnixNano)

	resourceAttrs := request.ResourceSpans[0].Resource.Attributes
	require.Len(t, resourceAttrs, 1)
	assert.Equal(t, "service.name", resourceAttrs[0].Key)
	assert.Equal(t, "test-service", resourceAttrs[0].Value.GetStringValue())
	assert.Equal(t, "aws-span-processor", request.ResourceSpans[0].ScopeSpans[0].Scope.Name)
}

func TestRawSpanParserSkipsUnfinishedAndMalformed(t *testing.T) {
	lines := []string{
		`{"name": "open", "traceId": "aa", "spanId": "bb", "startTimeUnixNano": 1, "endTimeUnixNano": null}`,
		`{"name": "broken", "traceId": `,
		`{"name": "done", "traceId": "cc", "spanId": "dd", "startTimeUnixNano": 1, "endTimeUnixNano": 2}`,
	}
	p := NewRawSpanParser(zap.NewNop())
	items, err := p.Parse(lines, "group")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "done", decodeUnit(t, items[0]).ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
}

func TestStatusAndKindMapping(t *testing.T) {
	assert.EqualValues(t, 1, MapStatusCode("ok"))
	assert.EqualValues(t, 2, MapStatusCode("ERROR"))
	assert.EqualValues(t, 0, MapStatusCode("UNSET"))
	assert.EqualValues(t, 0, MapStatusCode(""))

	kinds := map[string]int32{
		"INTERNAL": 1, "server": 2, "Client": 3, "PRODUCER": 4, "CONSUMER": 5, "weird": 0,
	}
	for in, want := range kinds {
		assert.Equal(t, want, MapSpanKind(in), "kind %q", in)
	}
}

func TestMessagesFromLogsEvent(t *testing.T) {
	payload := map[string]any{
		"messageType":         "DATA_MESSAGE",
		"owner":               "123456789012",
		"logGroup":            "/aws/lambda/fn",
		"logStream":           "2024/01/01/[$LATEST]abc",
		"subscriptionFilters": []string{"forwarder"},
		"logEvents": []map[string]any{
			{"id": "1", "timestamp": 1, "message": "line-one"},
			{"id": "2", "timestamp": 2, "message": "line-two"},
		},
	}
	rawJSON, err := json.Marshal(payload)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(rawJSON)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	event := events.CloudwatchLogsEvent{
		AWSLogs: events.CloudwatchLogsRawData{
			Data: base64.StdEncoding.EncodeToString(buf.Bytes()),
		},
	}

	messages, logGroup, err := MessagesFromLogsEvent(event)
	require.NoError(t, err)
	assert.Equal(t, "/aws/lambda/fn", logGroup)
	assert.Equal(t, []string{"line-one", "line-two"}, messages)
}
