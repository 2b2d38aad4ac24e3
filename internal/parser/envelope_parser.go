package parser

import (
	"encoding/base64"
	"fmt"

	"github.com/dev7a/serverless-otlp-forwarder/internal/envelope"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	otlpTraceColl "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// EnvelopeParser parses stdout-envelope log lines into telemetry units
// carrying uncompressed OTLP protobuf payloads.
type EnvelopeParser struct {
	log *zap.Logger

	// MinLevel, when set, drops envelopes whose level is below it.
	// Envelopes without a level always pass.
	MinLevel *envelope.Level
}

// NewEnvelopeParser builds a parser without a severity gate.
func NewEnvelopeParser(log *zap.Logger) *EnvelopeParser {
	return &EnvelopeParser{log: log}
}

// Parse runs every line through the envelope pipeline. Lines that are
// not envelopes, or whose payload cannot be recovered, are skipped.
func (p *EnvelopeParser) Parse(lines []string, source string) ([]telemetry.Data, error) {
	items := make([]telemetry.Data, 0, len(lines))
	for _, line := range lines {
		item, ok := p.parseLine(line, source)
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (p *EnvelopeParser) parseLine(line, source string) (telemetry.Data, bool) {
	env, err := envelope.Parse(line)
	if err != nil {
		// Most log lines are not envelopes; stay quiet about them.
		p.log.Debug("skipping non-envelope log line", zap.Error(err))
		return telemetry.Data{}, false
	}

	if p.MinLevel != nil && env.Level != "" {
		lvl, err := envelope.ParseLevel(env.Level)
		if err == nil && lvl < *p.MinLevel {
			p.log.Debug("dropping envelope below minimum severity",
				zap.String("level", env.Level))
			return telemetry.Data{}, false
		}
	}

	var raw []byte
	if env.Base64 {
		raw, err = base64.StdEncoding.DecodeString(env.Payload)
		if err != nil {
			p.log.Warn("failed to base64-decode envelope payload, skipping",
				zap.String("source", env.Source), zap.Error(err))
			return telemetry.Data{}, false
		}
	} else {
		p.log.Warn("envelope payload is not base64, treating as raw bytes",
			zap.String("source", env.Source))
		raw = []byte(env.Payload)
	}

	protoBytes, err := toProtobuf(raw, env.ContentType, env.ContentEncoding)
	if err != nil {
		p.log.Warn("failed to convert envelope payload, skipping",
			zap.String("source", env.Source),
			zap.String("content_type", env.ContentType),
			zap.Error(err))
		return telemetry.Data{}, false
	}

	unitSource := env.Source
	if unitSource == "" {
		unitSource = source
	}
	item, err := telemetry.NewData(protoBytes, unitSource, env.Endpoint)
	if err != nil {
		p.log.Warn("failed to build telemetry unit, skipping", zap.Error(err))
		return telemetry.Data{}, false
	}
	return item, true
}

// toProtobuf normalizes an envelope payload into uncompressed OTLP
// protobuf, decompressing and converting from JSON as needed.
func toProtobuf(payload []byte, contentType, contentEncoding string) ([]byte, error) {
	if contentEncoding == telemetry.EncodingGzip {
		decompressed, err := telemetry.Gunzip(payload)
		if err != nil {
			return nil, fmt.Errorf("gunzip payload: %w", err)
		}
		payload = decompressed
	}

	switch contentType {
	case telemetry.ContentTypeProtobuf:
		if err := proto.Unmarshal(payload, &otlpTraceColl.ExportTraceServiceRequest{}); err != nil {
			return nil, fmt.Errorf("payload declared protobuf but failed to decode: %w", err)
		}
		return payload, nil
	case telemetry.ContentTypeJSON:
		var request otlpTraceColl.ExportTraceServiceRequest
		if err := protojson.Unmarshal(payload, &request); err != nil {
			return nil, fmt.Errorf("decode OTLP JSON payload: %w", err)
		}
		return proto.Marshal(&request)
	default:
		if err := proto.Unmarshal(payload, &otlpTraceColl.ExportTraceServiceRequest{}); err != nil {
			return nil, fmt.Errorf("unknown content type %q and payload failed protobuf decode: %w", contentType, err)
		}
		return payload, nil
	}
}
