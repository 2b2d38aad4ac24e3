package exporter

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	otlpCommon "go.opentelemetry.io/proto/otlp/common/v1"
	otlpRes "go.opentelemetry.io/proto/otlp/resource/v1"
	otlpTraces "go.opentelemetry.io/proto/otlp/trace/v1"
)

// spanGroup collects spans sharing one resource and instrumentation
// scope, preserving input order.
type spanGroup struct {
	resource *sdkresource.Resource
	scope    instrumentation.Scope
	spans    []sdktrace.ReadOnlySpan
}

// groupSpans buckets a batch by (resource, scope), using schema URL
// equality for the scope, and keeps first-seen order for groups and
// input order within each group.
func groupSpans(batch []sdktrace.ReadOnlySpan) []*spanGroup {
	var groups []*spanGroup
	for _, span := range batch {
		var found *spanGroup
		for _, g := range groups {
			if sameScope(g.scope, span.InstrumentationScope()) && sameResource(g.resource, span.Resource()) {
				found = g
				break
			}
		}
		if found == nil {
			found = &spanGroup{resource: span.Resource(), scope: span.InstrumentationScope()}
			groups = append(groups, found)
		}
		found.spans = append(found.spans, span)
	}
	return groups
}

func sameScope(a, b instrumentation.Scope) bool {
	return a.Name == b.Name && a.Version == b.Version && a.SchemaURL == b.SchemaURL
}

func sameResource(a, b *sdkresource.Resource) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}

// toResourceSpans converts the grouped batch to the OTLP tree.
func toResourceSpans(groups []*spanGroup) []*otlpTraces.ResourceSpans {
	out := make([]*otlpTraces.ResourceSpans, 0, len(groups))
	for _, g := range groups {
		rs := &otlpTraces.ResourceSpans{
			ScopeSpans: []*otlpTraces.ScopeSpans{
				{
					Scope:     toScope(g.scope),
					Spans:     make([]*otlpTraces.Span, 0, len(g.spans)),
					SchemaUrl: g.scope.SchemaURL,
				},
			},
		}
		if g.resource != nil {
			rs.Resource = &otlpRes.Resource{Attributes: toKeyValues(g.resource.Attributes())}
			rs.SchemaUrl = g.resource.SchemaURL()
		}
		for _, span := range g.spans {
			rs.ScopeSpans[0].Spans = append(rs.ScopeSpans[0].Spans, toSpan(span))
		}
		out = append(out, rs)
	}
	return out
}

func toScope(s instrumentation.Scope) *otlpCommon.InstrumentationScope {
	return &otlpCommon.InstrumentationScope{
		Name:       s.Name,
		Version:    s.Version,
		Attributes: toKeyValues(s.Attributes.ToSlice()),
	}
}

func toSpan(s sdktrace.ReadOnlySpan) *otlpTraces.Span {
	sc := s.SpanContext()
	traceID := sc.TraceID()
	spanID := sc.SpanID()

	span := &otlpTraces.Span{
		TraceId:                traceID[:],
		SpanId:                 spanID[:],
		TraceState:             sc.TraceState().String(),
		Name:                   s.Name(),
		Kind:                   otlpTraces.Span_SpanKind(s.SpanKind()),
		StartTimeUnixNano:      uint64(s.StartTime().UnixNano()),
		EndTimeUnixNano:        uint64(s.EndTime().UnixNano()),
		Attributes:             toKeyValues(s.Attributes()),
		DroppedAttributesCount: uint32(s.DroppedAttributes()),
		DroppedEventsCount:     uint32(s.DroppedEvents()),
		DroppedLinksCount:      uint32(s.DroppedLinks()),
		Status:                 toStatus(s.Status()),
	}

	if parent := s.Parent(); parent.IsValid() {
		parentID := parent.SpanID()
		span.ParentSpanId = parentID[:]
	}

	for _, ev := range s.Events() {
		span.Events = append(span.Events, &otlpTraces.Span_Event{
			TimeUnixNano:           uint64(ev.Time.UnixNano()),
			Name:                   ev.Name,
			Attributes:             toKeyValues(ev.Attributes),
			DroppedAttributesCount: uint32(ev.DroppedAttributeCount),
		})
	}

	for _, link := range s.Links() {
		linkTraceID := link.SpanContext.TraceID()
		linkSpanID := link.SpanContext.SpanID()
		span.Links = append(span.Links, &otlpTraces.Span_Link{
			TraceId:                linkTraceID[:],
			SpanId:                 linkSpanID[:],
			TraceState:             link.SpanContext.TraceState().String(),
			Attributes:             toKeyValues(link.Attributes),
			DroppedAttributesCount: uint32(link.DroppedAttributeCount),
		})
	}

	return span
}

func toStatus(s sdktrace.Status) *otlpTraces.Status {
	var code otlpTraces.Status_StatusCode
	switch s.Code {
	case codes.Ok:
		code = otlpTraces.Status_STATUS_CODE_OK
	case codes.Error:
		code = otlpTraces.Status_STATUS_CODE_ERROR
	default:
		code = otlpTraces.Status_STATUS_CODE_UNSET
	}
	return &otlpTraces.Status{Code: code, Message: s.Description}
}

func toKeyValues(attrs []attribute.KeyValue) []*otlpCommon.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*otlpCommon.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, &otlpCommon.KeyValue{
			Key:   string(kv.Key),
			Value: toAnyValue(kv.Value),
		})
	}
	return out
}

func toAnyValue(v attribute.Value) *otlpCommon.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.STRING:
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_StringValue{StringValue: v.AsString()}}
	case attribute.BOOLSLICE:
		vals := v.AsBoolSlice()
		arr := make([]*otlpCommon.AnyValue, 0, len(vals))
		for _, b := range vals {
			arr = append(arr, &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_BoolValue{BoolValue: b}})
		}
		return arrayValue(arr)
	case attribute.INT64SLICE:
		vals := v.AsInt64Slice()
		arr := make([]*otlpCommon.AnyValue, 0, len(vals))
		for _, i := range vals {
			arr = append(arr, &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_IntValue{IntValue: i}})
		}
		return arrayValue(arr)
	case attribute.FLOAT64SLICE:
		vals := v.AsFloat64Slice()
		arr := make([]*otlpCommon.AnyValue, 0, len(vals))
		for _, f := range vals {
			arr = append(arr, &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_DoubleValue{DoubleValue: f}})
		}
		return arrayValue(arr)
	case attribute.STRINGSLICE:
		vals := v.AsStringSlice()
		arr := make([]*otlpCommon.AnyValue, 0, len(vals))
		for _, s := range vals {
			arr = append(arr, &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_StringValue{StringValue: s}})
		}
		return arrayValue(arr)
	default:
		return &otlpCommon.AnyValue{Value: &otlpCommon.AnyValue_StringValue{StringValue: v.Emit()}}
	}
}

func arrayValue(vals []*otlpCommon.AnyValue) *otlpCommon.AnyValue {
	return &otlpCommon.AnyValue{
		Value: &otlpCommon.AnyValue_ArrayValue{ArrayValue: &otlpCommon.ArrayValue{Values: vals}},
	}
}
