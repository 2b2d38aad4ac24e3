// Package render draws decoded trace batches on the terminal: one
// timeline table per trace, followed by the trace's event log.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dev7a/serverless-otlp-forwarder/internal/envelope"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	"github.com/fatih/color"
	"github.com/gobwas/glob"
	otlpTraceColl "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	otlpCommon "go.opentelemetry.io/proto/otlp/common/v1"
	otlpTraces "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

const (
	serviceNameWidth = 25
	spanNameWidth    = 40
	spanIDWidth      = 32

	unknownService = "<unknown>"
	barCell        = "▄"
)

var (
	dim    = color.New(color.Faint)
	errRed = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
	yellow = color.New(color.FgYellow)
	bold   = color.New(color.Bold)
)

// Options controls the layout of the rendered output.
type Options struct {
	TimelineWidth int
	Compact       bool

	// AttrGlobs selects which event attributes are printed. Nil means
	// print no attributes; MatchAll means print everything.
	AttrGlobs []glob.Glob

	// SeverityAttr names the event attribute whose value determines
	// the event's severity coloring. Empty disables severity lookup.
	SeverityAttr string
}

// MatchAll is the filter used when patterns were supplied but none of
// them compiled.
var MatchAll = []glob.Glob{glob.MustCompile("*")}

// BuildAttrGlobs compiles the comma-separated pattern list once. Invalid
// patterns are warned about and skipped; if every pattern fails the
// filter degrades to MatchAll.
func BuildAttrGlobs(patterns string, log *zap.Logger) []glob.Glob {
	patterns = strings.TrimSpace(patterns)
	if patterns == "" {
		return nil
	}
	var globs []glob.Glob
	attempted := 0
	for _, pattern := range strings.Split(patterns, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		attempted++
		g, err := glob.Compile(pattern)
		if err != nil {
			if log != nil {
				log.Warn("invalid glob pattern for event attribute filtering, skipping",
					zap.String("pattern", pattern), zap.Error(err))
			}
			continue
		}
		globs = append(globs, g)
	}
	if attempted > 0 && len(globs) == 0 {
		if log != nil {
			log.Warn("no usable event attribute patterns, displaying all attributes")
		}
		return MatchAll
	}
	return globs
}

// spanNode is one row of the rendered tree.
type spanNode struct {
	id          string
	name        string
	serviceName string
	startTime   uint64
	durationNs  uint64
	statusCode  otlpTraces.Status_StatusCode
	children    []*spanNode
}

type eventInfo struct {
	timestampNs uint64
	name        string
	spanID      string
	serviceName string
	attributes  []*otlpCommon.KeyValue
}

// Render decodes the batch and prints one table per distinct trace id.
// Units that fail to decode are skipped; a batch that yields no spans
// renders nothing.
func Render(w io.Writer, batch []telemetry.Data, opts Options, log *zap.Logger) error {
	type spanWithService struct {
		span    *otlpTraces.Span
		service string
	}
	var all []spanWithService

	for _, item := range batch {
		var request otlpTraceColl.ExportTraceServiceRequest
		if err := proto.Unmarshal(item.Payload, &request); err != nil {
			if log != nil {
				log.Warn("failed to decode payload for console display, skipping item",
					zap.Error(err))
			}
			continue
		}
		for _, rs := range request.ResourceSpans {
			service := findServiceName(rs)
			for _, ss := range rs.ScopeSpans {
				for _, span := range ss.Spans {
					all = append(all, spanWithService{span: span, service: service})
				}
			}
		}
	}
	if len(all) == 0 {
		return nil
	}

	traces := make(map[string][]spanWithService)
	for _, s := range all {
		traceID := fmt.Sprintf("%x", s.span.TraceId)
		traces[traceID] = append(traces[traceID], s)
	}

	traceIDs := make([]string, 0, len(traces))
	for id := range traces {
		traceIDs = append(traceIDs, id)
	}
	sort.Strings(traceIDs)

	for _, traceID := range traceIDs {
		spans := traces[traceID]

		spanMap := make(map[string]*otlpTraces.Span, len(spans))
		serviceMap := make(map[string]string, len(spans))
		var events []eventInfo
		for _, s := range spans {
			spanID := fmt.Sprintf("%x", s.span.SpanId)
			spanMap[spanID] = s.span
			serviceMap[spanID] = s.service
			for _, ev := range s.span.Events {
				events = append(events, eventInfo{
					timestampNs: ev.TimeUnixNano,
					name:        ev.Name,
					spanID:      spanID,
					serviceName: s.service,
					attributes:  ev.Attributes,
				})
			}
		}
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].timestampNs < events[j].timestampNs
		})

		childrenOf := make(map[string][]string)
		var rootIDs []string
		for spanID, span := range spanMap {
			parentID := fmt.Sprintf("%x", span.ParentSpanId)
			if len(span.ParentSpanId) > 0 {
				if _, known := spanMap[parentID]; known {
					childrenOf[parentID] = append(childrenOf[parentID], spanID)
					continue
				}
			}
			rootIDs = append(rootIDs, spanID)
		}

		roots := make([]*spanNode, 0, len(rootIDs))
		for _, rootID := range rootIDs {
			roots = append(roots, buildNode(rootID, spanMap, serviceMap, childrenOf))
		}
		sortNodes(roots)

		var minStart, maxEnd uint64
		for i, root := range roots {
			if i == 0 || root.startTime < minStart {
				minStart = root.startTime
			}
		}
		for _, span := range spanMap {
			if span.EndTimeUnixNano > maxEnd {
				maxEnd = span.EndTimeUnixNano
			}
		}
		var traceDuration uint64
		if maxEnd > minStart {
			traceDuration = maxEnd - minStart
		}

		if err := printHeader(w, fmt.Sprintf("Trace ID: %s", traceID), opts); err != nil {
			return err
		}
		for _, root := range roots {
			if err := printNode(w, root, 0, minStart, traceDuration, opts); err != nil {
				return err
			}
		}

		if len(events) > 0 {
			if err := printHeader(w, fmt.Sprintf("Events for Trace: %s", traceID), opts); err != nil {
				return err
			}
			for _, ev := range events {
				if err := printEvent(w, ev, opts); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func findServiceName(rs *otlpTraces.ResourceSpans) string {
	if rs.Resource == nil {
		return unknownService
	}
	for _, kv := range rs.Resource.Attributes {
		if kv.Key == "service.name" {
			if s := kv.Value.GetStringValue(); s != "" {
				return s
			}
		}
	}
	return unknownService
}

func buildNode(spanID string, spanMap map[string]*otlpTraces.Span, serviceMap map[string]string, childrenOf map[string][]string) *spanNode {
	span := spanMap[spanID]

	var durationNs uint64
	if span.EndTimeUnixNano > span.StartTimeUnixNano {
		durationNs = span.EndTimeUnixNano - span.StartTimeUnixNano
	}

	statusCode := otlpTraces.Status_STATUS_CODE_UNSET
	if span.Status != nil {
		statusCode = span.Status.Code
	}

	node := &spanNode{
		id:          spanID,
		name:        span.Name,
		serviceName: serviceMap[spanID],
		startTime:   span.StartTimeUnixNano,
		durationNs:  durationNs,
		statusCode:  statusCode,
	}
	for _, childID := range childrenOf[spanID] {
		node.children = append(node.children, buildNode(childID, spanMap, serviceMap, childrenOf))
	}
	sortNodes(node.children)
	return node
}

// sortNodes orders siblings by start time, breaking ties on span id.
func sortNodes(nodes []*spanNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].startTime != nodes[j].startTime {
			return nodes[i].startTime < nodes[j].startTime
		}
		return nodes[i].id < nodes[j].id
	})
}

func printHeader(w io.Writer, heading string, opts Options) error {
	const durationEstimate = 6
	spacing := 2
	width := serviceNameWidth + spanNameWidth + durationEstimate + spacing + opts.TimelineWidth
	if !opts.Compact {
		width += spanIDWidth + 2
	}
	padding := width - len(heading) - 3
	if padding < 0 {
		padding = 0
	}
	_, err := fmt.Fprintf(w, "\n %s %s %s\n",
		dim.Sprint("─"), bold.Sprint(heading), dim.Sprint(strings.Repeat("─", padding)))
	return err
}

func printNode(w io.Writer, node *spanNode, depth int, traceStart, traceDuration uint64, opts Options) error {
	indent := strings.Repeat("  ", depth)

	service := truncate(node.serviceName, serviceNameWidth)
	nameWidth := spanNameWidth - len(indent)
	if nameWidth < 0 {
		nameWidth = 0
	}
	name := indent + truncate(node.name, nameWidth)

	durationMs := float64(node.durationNs) / 1e6
	duration := fmt.Sprintf("%.2f", durationMs)
	if node.statusCode == otlpTraces.Status_STATUS_CODE_ERROR {
		duration = errRed.Sprint(duration)
	} else {
		duration = dim.Sprint(duration)
	}

	bar := renderBar(node.startTime, node.durationNs, traceStart, traceDuration,
		opts.TimelineWidth, node.statusCode)

	var err error
	if opts.Compact {
		_, err = fmt.Fprintf(w, " %-*s %-*s %8s  %s\n",
			serviceNameWidth, service, spanNameWidth, name, duration, bar)
	} else {
		_, err = fmt.Fprintf(w, " %-*s %-*s %8s  %-*s %s\n",
			serviceNameWidth, service, spanNameWidth, name, duration,
			spanIDWidth, truncate(node.id, spanIDWidth), bar)
	}
	if err != nil {
		return err
	}

	for _, child := range node.children {
		if err := printNode(w, child, depth+1, traceStart, traceDuration, opts); err != nil {
			return err
		}
	}
	return nil
}

// renderBar fills a cell when its midpoint falls inside the span's
// fraction of the trace. A zero-duration trace yields an empty bar.
func renderBar(startNs, durationNs, traceStartNs, traceDurationNs uint64, width int, statusCode otlpTraces.Status_StatusCode) string {
	if traceDurationNs == 0 || width <= 0 {
		return strings.Repeat(" ", max(width, 0))
	}

	widthF := float64(width)
	var offsetNs uint64
	if startNs > traceStartNs {
		offsetNs = startNs - traceStartNs
	}
	startChar := float64(offsetNs) / float64(traceDurationNs) * widthF
	endChar := startChar + float64(durationNs)/float64(traceDurationNs)*widthF

	cell := dim.Sprint(barCell)
	if statusCode == otlpTraces.Status_STATUS_CODE_ERROR {
		cell = errRed.Sprint(barCell)
	}

	var bar strings.Builder
	for i := 0; i < width; i++ {
		midpoint := float64(i) + 0.5
		if midpoint >= startChar && midpoint < endChar {
			bar.WriteString(cell)
		} else {
			bar.WriteByte(' ')
		}
	}
	return bar.String()
}

func printEvent(w io.Writer, ev eventInfo, opts Options) error {
	timestamp := time.Unix(0, int64(ev.timestampNs)).UTC().Format("2006-01-02T15:04:05.000000Z")

	var attrs []string
	for _, kv := range ev.attributes {
		if matchesAny(opts.AttrGlobs, kv.Key) {
			attrs = append(attrs, fmt.Sprintf("%s: %s", dim.Sprint(kv.Key), formatAnyValue(kv.Value)))
		}
	}

	name := ev.name
	if level, ok := severityOf(ev.attributes, opts.SeverityAttr); ok {
		switch level {
		case envelope.LevelError:
			name = errRed.Sprint(name)
		case envelope.LevelWarn:
			name = yellow.Sprint(name)
		case envelope.LevelDebug:
			name = dim.Sprint(name)
		}
	}

	line := fmt.Sprintf("%s %s [%s] %s",
		dim.Sprint(timestamp), cyan.Sprint(ev.spanID), yellow.Sprint(ev.serviceName), name)
	var err error
	if len(attrs) > 0 {
		_, err = fmt.Fprintf(w, "%s - Attrs: %s\n", line, strings.Join(attrs, ", "))
	} else {
		_, err = fmt.Fprintln(w, line)
	}
	return err
}

// severityOf reads the named attribute off the event and parses it as a
// severity label.
func severityOf(attrs []*otlpCommon.KeyValue, key string) (envelope.Level, bool) {
	if key == "" {
		return envelope.LevelInfo, false
	}
	for _, kv := range attrs {
		if kv.Key != key {
			continue
		}
		raw := kv.Value.GetStringValue()
		if raw == "" {
			return envelope.LevelInfo, false
		}
		level, err := envelope.ParseLevel(raw)
		if err != nil {
			return envelope.LevelInfo, false
		}
		return level, true
	}
	return envelope.LevelInfo, false
}

func matchesAny(globs []glob.Glob, key string) bool {
	for _, g := range globs {
		if g.Match(key) {
			return true
		}
	}
	return false
}

func formatAnyValue(v *otlpCommon.AnyValue) string {
	if v == nil {
		return "<no_value>"
	}
	switch val := v.Value.(type) {
	case *otlpCommon.AnyValue_StringValue:
		return val.StringValue
	case *otlpCommon.AnyValue_BoolValue:
		return fmt.Sprintf("%t", val.BoolValue)
	case *otlpCommon.AnyValue_IntValue:
		return fmt.Sprintf("%d", val.IntValue)
	case *otlpCommon.AnyValue_DoubleValue:
		return fmt.Sprintf("%g", val.DoubleValue)
	case *otlpCommon.AnyValue_ArrayValue:
		return "[array]"
	case *otlpCommon.AnyValue_KvlistValue:
		return "[kvlist]"
	case *otlpCommon.AnyValue_BytesValue:
		return "[bytes]"
	default:
		return "<empty_value>"
	}
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width])
}
