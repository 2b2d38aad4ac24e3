// Package sender delivers compacted OTLP payloads over HTTP, resolving
// endpoint, headers, and timeout from the standard OTLP environment
// variables at send time.
package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dev7a/serverless-otlp-forwarder/internal/envelope"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	"go.uber.org/zap"
)

// Environment variables consumed by the sender.
const (
	EnvTracesEndpoint = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
	EnvEndpoint       = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvTracesTimeout  = "OTEL_EXPORTER_OTLP_TRACES_TIMEOUT"
	EnvTimeout        = "OTEL_EXPORTER_OTLP_TIMEOUT"
)

const (
	// DefaultEndpoint is used when no endpoint variable is set.
	DefaultEndpoint = "http://localhost:4318/v1/traces"
	// DefaultTimeout bounds each export request.
	DefaultTimeout = 10 * time.Second

	tracesPath = "/v1/traces"

	// maxErrorBodyBytes caps the response excerpt captured on failure.
	maxErrorBodyBytes = 4096
)

// StatusError reports a non-2xx OTLP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("OTLP endpoint returned status %d: %s", e.Code, e.Body)
}

// ResolveEndpoint applies the endpoint precedence: the traces-specific
// variable is used verbatim; the generic one is treated as a base URL
// and gets the /v1/traces suffix unless already present; otherwise the
// default applies. Empty values are ignored; invalid URLs are config
// errors.
func ResolveEndpoint() (*url.URL, error) {
	if raw := os.Getenv(EnvTracesEndpoint); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, envelope.NewConfigError("invalid URL in %s: %q", EnvTracesEndpoint, raw)
		}
		return u, nil
	}

	if raw := os.Getenv(EnvEndpoint); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, envelope.NewConfigError("invalid URL in %s: %q", EnvEndpoint, raw)
		}
		if !strings.HasSuffix(u.Path, tracesPath) {
			if u.Path == "" || u.Path == "/" {
				u.Path = tracesPath
			} else {
				u.Path = strings.TrimSuffix(u.Path, "/") + tracesPath
			}
		}
		return u, nil
	}

	return url.Parse(DefaultEndpoint)
}

// ResolveTimeout reads the timeout variables as integer milliseconds,
// traces-specific first. Invalid values fall back to the default with a
// warning.
func ResolveTimeout(log *zap.Logger) time.Duration {
	raw := os.Getenv(EnvTracesTimeout)
	if raw == "" {
		raw = os.Getenv(EnvTimeout)
	}
	if raw == "" {
		return DefaultTimeout
	}
	millis, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		if log != nil {
			log.Warn("invalid OTLP timeout value, using default",
				zap.String("value", raw),
				zap.Duration("default", DefaultTimeout))
		}
		return DefaultTimeout
	}
	return time.Duration(millis) * time.Millisecond
}

// NewClient builds the HTTP client used for OTLP export. Per-request
// deadlines come from the resolved timeout, not the client.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Sender posts telemetry units to the resolved OTLP endpoint.
type Sender struct {
	log    *zap.Logger
	client *http.Client

	// EndpointOverride bypasses endpoint resolution when set.
	// HeaderOverride is merged beneath the header environment
	// variables, which win on key collision. The livetrace CLI uses
	// them for its --otlp-endpoint and --otlp-header flags.
	EndpointOverride string
	HeaderOverride   map[string]string
}

func New(log *zap.Logger, client *http.Client) *Sender {
	if client == nil {
		client = NewClient()
	}
	return &Sender{log: log, client: client}
}

// Send posts one unit. Success is any 2xx response. Non-2xx responses
// become *StatusError; transport problems are returned wrapped. The
// request is bounded by the resolved timeout. No retries happen here.
func (s *Sender) Send(ctx context.Context, item telemetry.Data) error {
	endpoint := s.EndpointOverride
	if endpoint == "" {
		u, err := ResolveEndpoint()
		if err != nil {
			return err
		}
		endpoint = u.String()
	}

	timeout := ResolveTimeout(s.log)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(item.Payload))
	if err != nil {
		return fmt.Errorf("build OTLP request: %w", err)
	}

	for k, v := range envelope.ResolveHeaders(s.HeaderOverride, s.log) {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", item.ContentType)
	if item.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", item.ContentEncoding)
	} else {
		req.Header.Del("Content-Encoding")
	}

	s.log.Debug("sending OTLP request",
		zap.String("endpoint", endpoint),
		zap.Duration("timeout", timeout),
		zap.Int("payload_bytes", len(item.Payload)),
		zap.String("source", item.Source))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("OTLP request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		s.log.Warn("OTLP export rejected",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	s.log.Debug("OTLP export succeeded",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode))
	return nil
}
