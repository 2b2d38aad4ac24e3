package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	e := &Envelope{
		Version:         Version,
		Source:          "my-service",
		Endpoint:        DefaultEndpoint,
		Method:          "POST",
		ContentType:     "application/x-protobuf",
		ContentEncoding: "gzip",
		Headers:         map[string]string{"api-key": "secret123"},
		Payload:         "aGVsbG8=",
		Base64:          true,
	}

	line, err := e.Encode()
	require.NoError(t, err)

	parsed, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, e.Source, parsed.Source)
	assert.Equal(t, e.Payload, parsed.Payload)
	assert.Equal(t, e.Headers, parsed.Headers)
	assert.True(t, parsed.Base64)
}

func TestEncodeOmitsEmptyHeadersAndLevel(t *testing.T) {
	e := &Envelope{
		Version:     Version,
		Source:      "svc",
		Endpoint:    DefaultEndpoint,
		Method:      "POST",
		ContentType: "application/x-protobuf",
		Payload:     "cGF5bG9hZA==",
		Base64:      true,
	}
	line, err := e.Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(line), &raw))
	assert.NotContains(t, raw, "headers")
	assert.NotContains(t, raw, "level")
	assert.Contains(t, raw, "__otel_otlp_stdout")
}

func TestParseRejectsNonEnvelopes(t *testing.T) {
	cases := []string{
		"plain application log line",
		`{"message": "json but not an envelope"}`,
		`{"__otel_otlp_stdout": "", "payload": "x"}`,
		`{"__otel_otlp_stdout": "0.1.0", "payload": ""}`,
	}
	for _, line := range cases {
		_, err := Parse(line)
		assert.Error(t, err, "line %q should not parse", line)
	}
}

func TestResolveServiceName(t *testing.T) {
	t.Setenv(EnvServiceName, "")
	t.Setenv(EnvLambdaFunctionName, "")
	assert.Equal(t, DefaultServiceName, ResolveServiceName())

	t.Setenv(EnvLambdaFunctionName, "my-function")
	assert.Equal(t, "my-function", ResolveServiceName())

	t.Setenv(EnvServiceName, "my-service")
	assert.Equal(t, "my-service", ResolveServiceName())
}

func TestResolveHeadersPrecedence(t *testing.T) {
	t.Setenv(EnvHeaders, "x=1,y=2")
	t.Setenv(EnvTracesHeaders, "y=3,z=4")

	headers := ResolveHeaders(map[string]string{"x": "ctor", "w": "0"}, zap.NewNop())
	assert.Equal(t, map[string]string{"x": "1", "y": "3", "z": "4", "w": "0"}, headers)
}

func TestResolveHeadersDropsReservedKeys(t *testing.T) {
	t.Setenv(EnvHeaders, "content-type=application/json,api-key=k")
	t.Setenv(EnvTracesHeaders, "Content-Encoding=identity")

	headers := ResolveHeaders(nil, zap.NewNop())
	assert.Equal(t, map[string]string{"api-key": "k"}, headers)
}

func TestResolveHeadersSkipsMalformedPairs(t *testing.T) {
	t.Setenv(EnvHeaders, "novalue, =empty ,ok=yes")
	t.Setenv(EnvTracesHeaders, "")

	headers := ResolveHeaders(nil, zap.NewNop())
	assert.Equal(t, map[string]string{"ok": "yes"}, headers)
}

func TestResolveHeadersEmpty(t *testing.T) {
	t.Setenv(EnvHeaders, "")
	t.Setenv(EnvTracesHeaders, "")
	assert.Nil(t, ResolveHeaders(nil, zap.NewNop()))
}

func TestResolveCompressionLevel(t *testing.T) {
	nine := 9

	t.Setenv(EnvCompressionLevel, "")
	assert.Equal(t, DefaultCompressionLevel, ResolveCompressionLevel(nil, zap.NewNop()))
	assert.Equal(t, 9, ResolveCompressionLevel(&nine, zap.NewNop()))

	t.Setenv(EnvCompressionLevel, "3")
	assert.Equal(t, 3, ResolveCompressionLevel(&nine, zap.NewNop()))

	t.Setenv(EnvCompressionLevel, "12")
	assert.Equal(t, 9, ResolveCompressionLevel(&nine, zap.NewNop()))

	t.Setenv(EnvCompressionLevel, "not-a-number")
	assert.Equal(t, DefaultCompressionLevel, ResolveCompressionLevel(nil, zap.NewNop()))
}

func TestResolveOutputPath(t *testing.T) {
	t.Setenv(EnvOutputPath, "")
	assert.Equal(t, DefaultOutputPath, ResolveOutputPath(""))
	assert.Equal(t, "file:///tmp/spans.jsonl", ResolveOutputPath("file:///tmp/spans.jsonl"))

	t.Setenv(EnvOutputPath, "pipe:///tmp/otlp.pipe")
	assert.Equal(t, "pipe:///tmp/otlp.pipe", ResolveOutputPath("file:///tmp/spans.jsonl"))
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "Warn": LevelWarn,
		"warning": LevelWarn, "error": LevelError,
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}
