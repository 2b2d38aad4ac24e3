package parser

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	otlpTraceColl "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	otlpCommon "go.opentelemetry.io/proto/otlp/common/v1"
	otlpRes "go.opentelemetry.io/proto/otlp/resource/v1"
	otlpTraces "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// RawSpanParser converts log lines that each carry a single span in the
// Application Signals JSON shape into one-span OTLP requests. Spans that
// have not finished (null endTimeUnixNano) are dropped; the producer
// re-emits them on completion.
type RawSpanParser struct {
	log *zap.Logger
}

func NewRawSpanParser(log *zap.Logger) *RawSpanParser {
	return &RawSpanParser{log: log}
}

func (p *RawSpanParser) Parse(lines []string, source string) ([]telemetry.Data, error) {
	items := make([]telemetry.Data, 0, len(lines))
	for _, line := range lines {
		span, ok := p.convertLine(line)
		if !ok {
			continue
		}
		payload, err := proto.Marshal(span)
		if err != nil {
			p.log.Warn("failed to encode converted span, skipping", zap.Error(err))
			continue
		}
		item, err := telemetry.NewData(payload, source, "")
		if err != nil {
			p.log.Warn("failed to build telemetry unit, skipping", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// rawSpan mirrors the JSON emitted by the AWS span processor. Numbers
// are decoded with json.Number so integer nanos survive intact.
type rawSpan struct {
	Name              string                     `json:"name"`
	TraceID           string                     `json:"traceId"`
	SpanID            string                     `json:"spanId"`
	ParentSpanID      string                     `json:"parentSpanId"`
	Kind              string                     `json:"kind"`
	StartTimeUnixNano json.Number                `json:"startTimeUnixNano"`
	EndTimeUnixNano   *json.Number               `json:"endTimeUnixNano"`
	Attributes        map[string]json.RawMessage `json:"attributes"`
	Status            struct {
		Code string `json:"code"`
	} `json:"status"`
	Resource struct {
		Attributes map[string]json.RawMessage `json:"attributes"`
	} `json:"resource"`
	Scope struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"scope"`
}

func (p *RawSpanParser) convertLine(line string) (*otlpTraceColl.ExportTraceServiceRequest, bool) {
	var record rawSpan
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&record); err != nil {
		p.log.Warn("failed to parse raw span JSON, skipping", zap.Error(err))
		return nil, false
	}

	// A null or missing end time means the span is still running.
	if record.EndTimeUnixNano == nil || record.EndTimeUnixNano.String() == "" {
		p.log.Debug("skipping unfinished span", zap.String("name", record.Name))
		return nil, false
	}
	endTime, err := strconv64(*record.EndTimeUnixNano)
	if err != nil {
		p.log.Debug("skipping span with unusable end time", zap.String("name", record.Name))
		return nil, false
	}

	startTime, _ := strconv64(record.StartTimeUnixNano)

	name := record.Name
	if name == "" {
		name = "UnnamedSpan"
	}

	span := &otlpTraces.Span{
		TraceId:           decodeID(record.TraceID),
		SpanId:            decodeID(record.SpanID),
		ParentSpanId:      decodeID(record.ParentSpanID),
		Name:              name,
		Kind:              otlpTraces.Span_SpanKind(MapSpanKind(record.Kind)),
		StartTimeUnixNano: startTime,
		EndTimeUnixNano:   endTime,
		Attributes:        jsonAttributes(record.Attributes),
		Status: &otlpTraces.Status{
			Code: otlpTraces.Status_StatusCode(MapStatusCode(record.Status.Code)),
		},
	}

	return &otlpTraceColl.ExportTraceServiceRequest{
		ResourceSpans: []*otlpTraces.ResourceSpans{
			{
				Resource: &otlpRes.Resource{
					Attributes: jsonAttributes(record.Resource.Attributes),
				},
				ScopeSpans: []*otlpTraces.ScopeSpans{
					{
						Scope: &otlpCommon.InstrumentationScope{
							Name:    record.Scope.Name,
							Version: record.Scope.Version,
						},
						Spans: []*otlpTraces.Span{span},
					},
				},
			},
		},
	}, true
}

// MapStatusCode maps the textual status to the OTLP enum value.
func MapStatusCode(code string) int32 {
	switch strings.ToUpper(code) {
	case "OK":
		return 1
	case "ERROR":
		return 2
	default:
		return 0
	}
}

// MapSpanKind maps the textual kind to the OTLP enum value.
func MapSpanKind(kind string) int32 {
	switch strings.ToUpper(kind) {
	case "INTERNAL":
		return 1
	case "SERVER":
		return 2
	case "CLIENT":
		return 3
	case "PRODUCER":
		return 4
	case "CONSUMER":
		return 5
	default:
		return 0
	}
}

// decodeID interprets an id as hex; ids that are not valid hex are
// carried through as raw bytes so the record is never lost.
func decodeID(id string) []byte {
	if id == "" {
		return nil
	}
	if decoded, err := hex.DecodeString(id); err == nil {
		return decoded
	}
	return []byte(id)
}

func strconv64(n json.Number) (uint64, error) {
	v, err := n.Int64()
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// jsonAttributes converts a flat JSON attribute object into OTLP key
// values, preserving bool/int/double/string/array typing.
func jsonAttributes(attrs map[string]json.RawMessage) []*otlpCommon.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*otlpCommon.KeyValue, 0, len(attrs))
	for key, raw := range attrs {
		out = append(out, &otlpCommon.KeyValue{Key: key, Value: jsonAnyValue(raw)})
	}
	// Map iteration order is random; keep output deterministic.
	sortKeyValues(out)
	return out
}

func sortKeyValues(kvs []*otlpCommon.KeyValue) {
	for i := 1; i < len(kvs); i++ {
		for j := i; j > 0 && kvs[j-1].Key > kvs[j].Key; j-- {
			kvs[j-1], kvs[j] = kvs[j], kvs[j-1]
		}
	}
}

func jsonAnyValue(raw json.RawMessage) *otlpCommon.AnyValue {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_StringValue{StringValue: string(raw)}}
	}
	return anyValueOf(v)
}

func anyValueOf(v any) *otlpCommon.AnyValue {
	switch val := v.(type) {
	case bool:
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_BoolValue{BoolValue: val}}
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_IntValue{IntValue: i}}
		}
		if f, err := val.Float64(); err == nil {
			return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_DoubleValue{DoubleValue: f}}
		}
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_StringValue{StringValue: val.String()}}
	case string:
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_StringValue{StringValue: val}}
	case []any:
		values := make([]*otlpCommon.AnyValue, 0, len(val))
		for _, item := range val {
			values = append(values, anyValueOf(item))
		}
		return &otlpCommon.AnyValue{
			Value: &otlpCommon.AnyValue_ArrayValue{ArrayValue: &otlpCommon.ArrayValue{Values: values}},
		}
	default:
		encoded, _ := json.Marshal(v)
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_StringValue{StringValue: string(encoded)}}
	}
}
