package tail

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dev7a/serverless-otlp-forwarder/internal/compactor"
	"github.com/dev7a/serverless-otlp-forwarder/internal/render"
	"github.com/dev7a/serverless-otlp-forwarder/internal/sender"
	"github.com/dev7a/serverless-otlp-forwarder/internal/stats"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	otlpTraceColl "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// FlushInterval is the coordinator's buffer flush tick.
const FlushInterval = time.Second

// Coordinator consumes ingestor messages, buffers them, and on every
// tick renders and/or forwards the taken buffer. It is the single
// consumer of the channel and runs on one goroutine.
type Coordinator struct {
	log *zap.Logger
	in  <-chan Message

	// Console rendering; disabled when ConsoleOut is nil.
	ConsoleOut io.Writer
	RenderOpts render.Options

	// Forwarding; disabled when Sender is nil.
	Sender     *sender.Sender
	Compaction compactor.Config

	// ReportInterval enables periodic throughput reports when > 0.
	ReportInterval time.Duration

	tracker        *stats.Tracker
	statSpans      stats.Stat
	statDropped    stats.Stat
	statBatches    stats.Stat
	statBytesSent  stats.Stat
	statBytesSentZ stats.Stat
}

func NewCoordinator(log *zap.Logger, in <-chan Message) *Coordinator {
	tracker := stats.NewTracker()
	return &Coordinator{
		log:            log,
		in:             in,
		tracker:        tracker,
		statSpans:      tracker.NewStat(stats.StatSpansReceived),
		statDropped:    tracker.NewStat(stats.StatRecordsDropped),
		statBatches:    tracker.NewStat(stats.StatBatchesForwarded),
		statBytesSent:  tracker.NewStat(stats.StatBytesSent),
		statBytesSentZ: tracker.NewStat(stats.StatBytesSentZ),
	}
}

// Run loops until the channel closes (one final drain) or the context
// ends. Render failures abort the session; forward failures are logged
// and the session continues.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	var reportTick <-chan time.Time
	if c.ReportInterval > 0 {
		reportTicker := time.NewTicker(c.ReportInterval)
		defer reportTicker.Stop()
		reportTick = reportTicker.C
		c.tracker.Report(time.Now())
	}

	var buffer []telemetry.Data
	for {
		select {
		case <-ctx.Done():
			return c.flush(ctx, buffer)
		case msg, ok := <-c.in:
			if !ok {
				c.log.Debug("ingestor channel closed, draining buffer",
					zap.Int("items", len(buffer)))
				return c.flush(context.WithoutCancel(ctx), buffer)
			}
			if msg.Err != nil {
				c.statDropped.Incr(1)
				c.log.Warn("ingestor reported failure", zap.Error(msg.Err))
				continue
			}
			buffer = append(buffer, msg.Item)
			c.statSpans.Incr(countSpans(msg.Item))
		case <-ticker.C:
			batch := buffer
			buffer = nil
			if err := c.flush(ctx, batch); err != nil {
				return err
			}
		case now := <-reportTick:
			if summary := stats.Summary(c.tracker.Report(now)); summary != "" {
				c.log.Info("session throughput", zap.String("report", summary))
			}
		}
	}
}

func (c *Coordinator) flush(ctx context.Context, batch []telemetry.Data) error {
	if len(batch) == 0 {
		return nil
	}
	c.log.Debug("flushing buffered telemetry", zap.Int("items", len(batch)))

	if c.ConsoleOut != nil {
		if err := render.Render(c.ConsoleOut, batch, c.RenderOpts, c.log); err != nil {
			return fmt.Errorf("console rendering failed: %w", err)
		}
	}

	if c.Sender != nil {
		var rawBytes uint64
		for _, item := range batch {
			rawBytes += uint64(len(item.Payload))
		}
		compacted, err := compactor.Compact(batch, c.Compaction, c.log)
		if err != nil {
			c.log.Error("failed to compact batch for forwarding", zap.Error(err))
			return nil
		}
		if err := c.Sender.Send(ctx, compacted); err != nil {
			c.log.Error("failed to forward batch", zap.Error(err))
			return nil
		}
		c.statBatches.Incr(1)
		c.statBytesSent.Incr(rawBytes)
		if compacted.ContentEncoding == telemetry.EncodingGzip {
			c.statBytesSentZ.Incr(uint64(len(compacted.Payload)))
		}
	}

	return nil
}

func countSpans(item telemetry.Data) uint64 {
	var request otlpTraceColl.ExportTraceServiceRequest
	if err := proto.Unmarshal(item.Payload, &request); err != nil {
		return 0
	}
	var total uint64
	for _, rs := range request.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			total += uint64(len(ss.Spans))
		}
	}
	return total
}
