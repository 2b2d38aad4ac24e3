// Package processor orchestrates one forwarder invocation: parse the
// event, compact the resulting units, send the batch.
package processor

import (
	"context"
	"fmt"

	"github.com/dev7a/serverless-otlp-forwarder/internal/compactor"
	"github.com/dev7a/serverless-otlp-forwarder/internal/parser"
	"github.com/dev7a/serverless-otlp-forwarder/internal/sender"
	"go.uber.org/zap"
)

// ProcessEventBatch runs parse → compact → send for a single event
// payload. An event that parses to zero units is a successful no-op;
// every other stage failure is surfaced to the caller so the runtime can
// fail the invocation.
func ProcessEventBatch[E any](
	ctx context.Context,
	event E,
	p parser.Parser[E],
	source string,
	s *sender.Sender,
	cfg compactor.Config,
	log *zap.Logger,
) error {
	items, err := p.Parse(event, source)
	if err != nil {
		log.Error("failed to parse event payload", zap.String("source", source), zap.Error(err))
		return fmt.Errorf("event parsing failed: %w", err)
	}
	if len(items) == 0 {
		log.Info("no telemetry items to process after parsing", zap.String("source", source))
		return nil
	}
	log.Debug("parsed telemetry items",
		zap.String("source", source), zap.Int("items", len(items)))

	compacted, err := compactor.Compact(items, cfg, log)
	if err != nil {
		log.Error("failed to compact telemetry items", zap.Error(err))
		return fmt.Errorf("telemetry compaction failed: %w", err)
	}

	if err := s.Send(ctx, compacted); err != nil {
		log.Error("failed to send telemetry batch", zap.Error(err))
		return fmt.Errorf("sending telemetry batch failed: %w", err)
	}
	log.Info("telemetry batch sent",
		zap.String("source", source),
		zap.Int("items", len(items)),
		zap.Int("payload_bytes", len(compacted.Payload)))
	return nil
}
