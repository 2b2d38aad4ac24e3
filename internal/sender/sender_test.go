package sender

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dev7a/serverless-otlp-forwarder/internal/envelope"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func clearSenderEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvTracesEndpoint, "")
	t.Setenv(EnvEndpoint, "")
	t.Setenv(EnvTracesTimeout, "")
	t.Setenv(EnvTimeout, "")
	t.Setenv(envelope.EnvHeaders, "")
	t.Setenv(envelope.EnvTracesHeaders, "")
}

func TestResolveEndpointDefault(t *testing.T) {
	clearSenderEnv(t)
	u, err := ResolveEndpoint()
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, u.String())
}

func TestResolveEndpointTracesVerbatim(t *testing.T) {
	clearSenderEnv(t)
	t.Setenv(EnvTracesEndpoint, "https://collector.example.com:4318/custom/path")
	u, err := ResolveEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://collector.example.com:4318/custom/path", u.String())
}

func TestResolveEndpointBaseSuffixing(t *testing.T) {
	cases := map[string]string{
		"http://h:4318":                  "http://h:4318/v1/traces",
		"http://h:4318/":                 "http://h:4318/v1/traces",
		"http://h:4318/custom":           "http://h:4318/custom/v1/traces",
		"http://h:4318/custom/":          "http://h:4318/custom/v1/traces",
		"http://h:4318/v1/traces":        "http://h:4318/v1/traces",
		"http://h:4318/custom/v1/traces": "http://h:4318/custom/v1/traces",
	}
	for in, want := range cases {
		clearSenderEnv(t)
		t.Setenv(EnvEndpoint, in)
		u, err := ResolveEndpoint()
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, u.String(), "input %q", in)
	}
}

func TestResolveEndpointInvalidURL(t *testing.T) {
	clearSenderEnv(t)
	t.Setenv(EnvEndpoint, "not a url")
	_, err := ResolveEndpoint()
	require.Error(t, err)
	var cfgErr *envelope.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestResolveTimeout(t *testing.T) {
	clearSenderEnv(t)
	assert.Equal(t, DefaultTimeout, ResolveTimeout(zap.NewNop()))

	t.Setenv(EnvTimeout, "2500")
	assert.Equal(t, 2500*time.Millisecond, ResolveTimeout(zap.NewNop()))

	t.Setenv(EnvTracesTimeout, "100")
	assert.Equal(t, 100*time.Millisecond, ResolveTimeout(zap.NewNop()))

	t.Setenv(EnvTracesTimeout, "-5")
	t.Setenv(EnvTimeout, "")
	assert.Equal(t, DefaultTimeout, ResolveTimeout(zap.NewNop()))
}

func TestSendSuccess(t *testing.T) {
	clearSenderEnv(t)
	var gotContentType, gotContentEncoding, gotHeader string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotContentEncoding = r.Header.Get("Content-Encoding")
		gotHeader = r.Header.Get("api-key")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv(EnvTracesEndpoint, server.URL+"/v1/traces")
	t.Setenv(envelope.EnvHeaders, "api-key=secret")

	item := telemetry.Data{
		Payload:         []byte("payload-bytes"),
		Source:          "svc",
		ContentType:     telemetry.ContentTypeProtobuf,
		ContentEncoding: telemetry.EncodingGzip,
	}
	s := New(zap.NewNop(), nil)
	require.NoError(t, s.Send(context.Background(), item))

	assert.Equal(t, telemetry.ContentTypeProtobuf, gotContentType)
	assert.Equal(t, telemetry.EncodingGzip, gotContentEncoding)
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, []byte("payload-bytes"), gotBody)
}

func TestSendOmitsContentEncodingWhenUncompressed(t *testing.T) {
	clearSenderEnv(t)
	var sawEncodingHeader bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawEncodingHeader = r.Header["Content-Encoding"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv(EnvTracesEndpoint, server.URL)
	item := telemetry.Data{Payload: []byte("x"), Source: "svc", ContentType: telemetry.ContentTypeProtobuf}
	require.NoError(t, New(zap.NewNop(), nil).Send(context.Background(), item))
	assert.False(t, sawEncodingHeader)
}

func TestSendNon2xxReturnsStatusError(t *testing.T) {
	clearSenderEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream collector unavailable"))
	}))
	defer server.Close()

	t.Setenv(EnvTracesEndpoint, server.URL)
	item := telemetry.Data{Payload: []byte("x"), Source: "svc", ContentType: telemetry.ContentTypeProtobuf}
	err := New(zap.NewNop(), nil).Send(context.Background(), item)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Contains(t, statusErr.Body, "unavailable")
}

func TestSendTimeoutIsTransportError(t *testing.T) {
	clearSenderEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv(EnvTracesEndpoint, server.URL)
	t.Setenv(EnvTracesTimeout, "100")

	item := telemetry.Data{Payload: []byte("x"), Source: "svc", ContentType: telemetry.ContentTypeProtobuf}
	err := New(zap.NewNop(), nil).Send(context.Background(), item)
	require.Error(t, err)

	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr), "timeout must not look like a remote rejection")
}

func TestSendEndpointOverride(t *testing.T) {
	clearSenderEnv(t)
	var hit bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := New(zap.NewNop(), nil)
	s.EndpointOverride = server.URL + "/v1/traces"
	item := telemetry.Data{Payload: []byte("x"), Source: "svc", ContentType: telemetry.ContentTypeProtobuf}
	require.NoError(t, s.Send(context.Background(), item))
	assert.True(t, hit)
}
