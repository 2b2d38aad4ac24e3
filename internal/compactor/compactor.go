// Package compactor merges multiple OTLP trace requests into one and
// applies the configured compression pass, so a whole invocation batch
// leaves as a single POST.
package compactor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	otlpTraceColl "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Environment variables controlling the final compression pass.
const (
	EnvTracesCompression = "OTEL_EXPORTER_OTLP_TRACES_COMPRESSION"
	EnvCompression       = "OTEL_EXPORTER_OTLP_COMPRESSION"
	EnvCompressionLevel  = "OTEL_EXPORTER_OTLP_COMPRESSION_LEVEL"
)

// DefaultCompressionLevel for the compactor's gzip pass.
const DefaultCompressionLevel = 9

// Preference selects the compression applied to the compacted payload.
type Preference int

const (
	// None leaves the merged payload uncompressed.
	None Preference = iota
	// Gzip compresses the merged payload.
	Gzip
)

var (
	// ErrEmptyBatch is returned when compaction is asked for nothing.
	ErrEmptyBatch = errors.New("cannot compact an empty batch")
	// ErrAllPayloadsFailed is returned when no payload in a multi-item
	// batch survived decoding.
	ErrAllPayloadsFailed = errors.New("all payloads in batch failed to decode")
)

// Config carries the resolved compaction settings.
type Config struct {
	Compression      Preference
	CompressionLevel int
}

// ConfigFromEnv resolves the compression preference
// (traces-specific variable first, then the generic one, default None)
// and level (default 9). Unrecognized values fall back with a warning.
func ConfigFromEnv(log *zap.Logger) Config {
	cfg := Config{Compression: None, CompressionLevel: DefaultCompressionLevel}

	raw := os.Getenv(EnvTracesCompression)
	if raw == "" {
		raw = os.Getenv(EnvCompression)
	}
	switch strings.ToLower(raw) {
	case "", "none":
	case "gzip":
		cfg.Compression = Gzip
	default:
		if log != nil {
			log.Warn("unrecognized OTLP compression value, defaulting to none",
				zap.String("value", raw))
		}
	}

	if rawLevel := os.Getenv(EnvCompressionLevel); rawLevel != "" {
		level, err := strconv.Atoi(rawLevel)
		if err == nil && level >= 0 && level <= 9 {
			cfg.CompressionLevel = level
		} else if log != nil {
			log.Warn("invalid OTLP compression level, using default",
				zap.String("value", rawLevel),
				zap.Int("default", DefaultCompressionLevel))
		}
	}

	return cfg
}

// Compact merges a batch of uncompressed telemetry units into one.
//
// A single-item batch skips the merge and only applies the compression
// preference. For larger batches every payload is decoded, undecodable
// items are skipped, and the surviving resource spans are concatenated
// in order. The result inherits source and endpoint from the first
// input unit.
func Compact(batch []telemetry.Data, cfg Config, log *zap.Logger) (telemetry.Data, error) {
	if len(batch) == 0 {
		return telemetry.Data{}, ErrEmptyBatch
	}

	if len(batch) == 1 {
		single := batch[0]
		if cfg.Compression == Gzip {
			if err := single.Compress(cfg.CompressionLevel, log); err != nil {
				return telemetry.Data{}, err
			}
		} else {
			single.ContentEncoding = ""
		}
		return single, nil
	}

	merged := &otlpTraceColl.ExportTraceServiceRequest{}
	decoded := 0
	for _, item := range batch {
		var request otlpTraceColl.ExportTraceServiceRequest
		if err := proto.Unmarshal(item.Payload, &request); err != nil {
			if log != nil {
				log.Warn("failed to decode payload during compaction, skipping item",
					zap.String("source", item.Source), zap.Error(err))
			}
			continue
		}
		merged.ResourceSpans = append(merged.ResourceSpans, request.ResourceSpans...)
		decoded++
	}
	if decoded == 0 {
		return telemetry.Data{}, ErrAllPayloadsFailed
	}

	payload, err := proto.Marshal(merged)
	if err != nil {
		return telemetry.Data{}, fmt.Errorf("encode compacted request: %w", err)
	}

	result := telemetry.Data{
		Payload:     payload,
		Source:      batch[0].Source,
		Endpoint:    batch[0].Endpoint,
		ContentType: telemetry.ContentTypeProtobuf,
	}
	if cfg.Compression == Gzip {
		if err := result.Compress(cfg.CompressionLevel, log); err != nil {
			return telemetry.Data{}, err
		}
	}

	if log != nil {
		log.Debug("compacted telemetry batch",
			zap.Int("items", len(batch)),
			zap.Int("decoded", decoded),
			zap.Int("payload_bytes", len(result.Payload)))
	}
	return result, nil
}
