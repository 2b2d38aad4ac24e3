// Package telemetry defines the in-memory record that every stage of the
// forwarding pipeline passes around: an OTLP trace payload plus the
// metadata needed to deliver it.
package telemetry

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const (
	// ContentTypeProtobuf is the canonical content type for OTLP payloads.
	ContentTypeProtobuf = "application/x-protobuf"
	// ContentTypeJSON marks payloads carrying OTLP in its JSON mapping.
	ContentTypeJSON = "application/json"
	// EncodingGzip marks a gzip-compressed payload.
	EncodingGzip = "gzip"

	// DefaultCompressionLevel is used when a caller passes a level
	// outside the valid gzip range.
	DefaultCompressionLevel = 6
)

// Data is one unit of telemetry moving through the pipeline.
//
// When ContentEncoding is empty the payload is an uncompressed OTLP
// ExportTraceServiceRequest in protobuf form; when it is EncodingGzip the
// gunzipped payload is.
type Data struct {
	Payload         []byte
	Source          string
	Endpoint        string
	ContentType     string
	ContentEncoding string
}

// NewData builds an uncompressed protobuf unit. Source identifies the
// logical origin (service name or log group) and must be non-empty.
func NewData(payload []byte, source, endpoint string) (Data, error) {
	if source == "" {
		return Data{}, fmt.Errorf("telemetry data requires a non-empty source")
	}
	return Data{
		Payload:     payload,
		Source:      source,
		Endpoint:    endpoint,
		ContentType: ContentTypeProtobuf,
	}, nil
}

// ClampLevel normalizes a gzip level into [0,9], logging and substituting
// the default for out-of-range input.
func ClampLevel(level int, log *zap.Logger) int {
	if level < 0 || level > 9 {
		if log != nil {
			log.Warn("gzip compression level out of range, using default",
				zap.Int("level", level),
				zap.Int("default", DefaultCompressionLevel))
		}
		return DefaultCompressionLevel
	}
	return level
}

// Compress replaces the payload with its gzip form and records the
// encoding. Callers are responsible for not compressing twice.
func (d *Data) Compress(level int, log *zap.Logger) error {
	compressed, err := Gzip(d.Payload, ClampLevel(level, log))
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	d.Payload = compressed
	d.ContentEncoding = EncodingGzip
	return nil
}

// Decompress is the inverse of Compress. A unit without a gzip encoding
// is left untouched.
func (d *Data) Decompress() error {
	if d.ContentEncoding != EncodingGzip {
		return nil
	}
	decompressed, err := Gunzip(d.Payload)
	if err != nil {
		return fmt.Errorf("decompress payload: %w", err)
	}
	d.Payload = decompressed
	d.ContentEncoding = ""
	return nil
}

// Gzip compresses buf at the given level. The level must already be in
// range.
func Gzip(buf []byte, level int) ([]byte, error) {
	out := bytes.NewBuffer(nil)
	zw, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(buf); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Gunzip decompresses a gzip buffer.
func Gunzip(buf []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
