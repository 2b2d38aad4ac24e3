// Package exporter implements an OpenTelemetry span exporter that writes
// each batch as a single-line JSON envelope wrapping a gzipped,
// base64-encoded OTLP protobuf payload. In serverless environments the
// envelope travels through the log stream instead of a network exporter.
package exporter

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/dev7a/serverless-otlp-forwarder/internal/envelope"
	"github.com/dev7a/serverless-otlp-forwarder/internal/sink"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	otlpTraceColl "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Exporter writes span batches as stdout envelopes. It implements
// sdktrace.SpanExporter.
type Exporter struct {
	log              *zap.Logger
	compressionLevel int
	headers          map[string]string
	out              sink.Sink
	level            *envelope.Level
	serviceName      string
}

// Option configures an Exporter. Options that have a corresponding
// environment variable are subordinate to it (env > option > default).
// WithSink is the exception: it skips output-path resolution, so the
// output-path variable is not consulted.
type Option func(*options)

type options struct {
	log              *zap.Logger
	compressionLevel *int
	headers          map[string]string
	output           sink.Sink
	outputPath       string
	level            *envelope.Level
}

// WithLogger sets the logger used for configuration warnings.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCompressionLevel sets the gzip level used unless
// OTLP_STDOUT_SPAN_EXPORTER_COMPRESSION_LEVEL overrides it.
func WithCompressionLevel(level int) Option {
	return func(o *options) { o.compressionLevel = &level }
}

// WithHeaders supplies headers merged below the header environment
// variables.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) { o.headers = headers }
}

// WithSink sets the output directly, bypassing URI resolution. Used by
// tests and embedders that already hold a sink.
func WithSink(s sink.Sink) Option {
	return func(o *options) { o.output = s }
}

// WithOutputPath sets the output URI used unless
// OTLP_STDOUT_SPAN_EXPORTER_OUTPUT_PATH overrides it.
func WithOutputPath(uri string) Option {
	return func(o *options) { o.outputPath = uri }
}

// WithLevel attaches a severity label to every envelope.
func WithLevel(level envelope.Level) Option {
	return func(o *options) { o.level = &level }
}

// New builds an exporter, resolving all configuration once.
func New(opts ...Option) (*Exporter, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = zap.NewNop()
	}

	out := o.output
	if out == nil {
		uri := envelope.ResolveOutputPath(o.outputPath)
		var err error
		out, err = sink.FromURI(uri, log)
		if err != nil {
			return nil, err
		}
	}

	return &Exporter{
		log:              log,
		compressionLevel: envelope.ResolveCompressionLevel(o.compressionLevel, log),
		headers:          envelope.ResolveHeaders(o.headers, log),
		out:              out,
		level:            o.level,
		serviceName:      envelope.ResolveServiceName(),
	}, nil
}

// ExportSpans groups the batch by resource and scope, serializes it to
// OTLP protobuf, compresses, base64-encodes, and writes one envelope
// line. An empty batch succeeds without output.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	request := &otlpTraceColl.ExportTraceServiceRequest{
		ResourceSpans: toResourceSpans(groupSpans(spans)),
	}

	protoBytes, err := proto.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal trace request: %w", err)
	}

	compressed, err := telemetry.Gzip(protoBytes, e.compressionLevel)
	if err != nil {
		return fmt.Errorf("compress trace request: %w", err)
	}

	env := &envelope.Envelope{
		Version:         envelope.Version,
		Source:          e.serviceName,
		Endpoint:        envelope.DefaultEndpoint,
		Method:          "POST",
		ContentType:     telemetry.ContentTypeProtobuf,
		ContentEncoding: telemetry.EncodingGzip,
		Headers:         e.headers,
		Payload:         base64.StdEncoding.EncodeToString(compressed),
		Base64:          true,
	}
	if e.level != nil {
		env.Level = e.level.String()
	}

	line, err := env.Encode()
	if err != nil {
		return err
	}
	return e.out.WriteLine(line)
}

// Shutdown has no pending state to release.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return ctx.Err()
}

// ForceFlush is a no-op; every export is written synchronously.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	return ctx.Err()
}
