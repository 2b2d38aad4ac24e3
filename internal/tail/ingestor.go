package tail

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwlTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/dev7a/serverless-otlp-forwarder/internal/parser"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnvelopeFilterPattern selects only stdout-envelope lines at the
// CloudWatch side.
const EnvelopeFilterPattern = "{ $.__otel_otlp_stdout = * }"

// ChannelCapacity bounds the ingestor→coordinator channel. A full
// channel blocks the producer, which stalls the stream or the poll loop
// until the coordinator catches up.
const ChannelCapacity = 100

// Message is what the ingestor pushes: either one telemetry unit or a
// transport-side error the coordinator should log without losing the
// channel.
type Message struct {
	Item telemetry.Data
	Err  error
}

// liveTailStream is the part of the SDK event stream the ingestor
// consumes, extracted so tests can inject their own.
type liveTailStream interface {
	Events() <-chan cwlTypes.StartLiveTailResponseStream
	Close() error
	Err() error
}

// Ingestor produces telemetry units from a set of log groups, either by
// subscribing to a live-tail stream or by polling on an interval, and
// pushes them over Out. The channel is closed when the producer exits.
type Ingestor struct {
	log       *zap.Logger
	client    LogsClient
	parser    *parser.EnvelopeParser
	groups    []LogGroup
	sessionID string

	Out chan Message

	// startStream is swapped out in tests.
	startStream func(ctx context.Context) (liveTailStream, error)
}

func NewIngestor(log *zap.Logger, client LogsClient, p *parser.EnvelopeParser, groups []LogGroup) *Ingestor {
	i := &Ingestor{
		log:       log,
		client:    client,
		parser:    p,
		groups:    groups,
		sessionID: uuid.New().String(),
		Out:       make(chan Message, ChannelCapacity),
	}
	i.startStream = i.openLiveTail
	return i
}

// SessionID identifies this tail session in logs.
func (i *Ingestor) SessionID() string { return i.sessionID }

func (i *Ingestor) openLiveTail(ctx context.Context) (liveTailStream, error) {
	identifiers := make([]string, 0, len(i.groups))
	for _, g := range i.groups {
		identifiers = append(identifiers, g.ARN)
	}
	out, err := i.client.StartLiveTail(ctx, &cloudwatchlogs.StartLiveTailInput{
		LogGroupIdentifiers:   identifiers,
		LogEventFilterPattern: aws.String(EnvelopeFilterPattern),
	})
	if err != nil {
		return nil, fmt.Errorf("start live tail: %w", err)
	}
	return out.GetStream(), nil
}

// RunStream subscribes to the live-tail stream and pushes every decoded
// envelope until the session timeout elapses, the stream ends, or the
// context is canceled. The out channel is always closed on return.
func (i *Ingestor) RunStream(ctx context.Context, sessionTimeout time.Duration) {
	defer close(i.Out)

	stream, err := i.startStream(ctx)
	if err != nil {
		i.push(ctx, Message{Err: err})
		return
	}
	defer stream.Close()

	timeout := time.NewTimer(sessionTimeout)
	defer timeout.Stop()

	i.log.Info("live tail session started",
		zap.String("session_id", i.sessionID),
		zap.Int("log_groups", len(i.groups)),
		zap.Duration("session_timeout", sessionTimeout))

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			i.log.Info("session timeout reached, closing producer",
				zap.String("session_id", i.sessionID))
			return
		case event, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					i.push(ctx, Message{Err: fmt.Errorf("live tail stream failed: %w", err)})
				} else {
					i.log.Info("live tail stream ended")
				}
				return
			}
			i.handleStreamEvent(ctx, event)
		}
	}
}

func (i *Ingestor) handleStreamEvent(ctx context.Context, event cwlTypes.StartLiveTailResponseStream) {
	switch v := event.(type) {
	case *cwlTypes.StartLiveTailResponseStreamMemberSessionStart:
		i.log.Debug("live tail session acknowledged",
			zap.String("request_id", aws.ToString(v.Value.RequestId)))
	case *cwlTypes.StartLiveTailResponseStreamMemberSessionUpdate:
		results := v.Value.SessionResults
		i.log.Debug("received session update", zap.Int("log_events", len(results)))
		for _, logEvent := range results {
			message := aws.ToString(logEvent.Message)
			if message == "" {
				continue
			}
			i.ingestMessage(ctx, message, aws.ToString(logEvent.LogGroupIdentifier))
		}
	default:
		i.log.Warn("unhandled live tail stream event")
	}
}

// RunPoll queries the log groups on a fixed interval, advancing a
// high-water timestamp past the newest ingested event. API failures are
// reported over the channel and retried on the next tick.
func (i *Ingestor) RunPoll(ctx context.Context, interval time.Duration) {
	defer close(i.Out)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	highWater := time.Now().UnixMilli()
	i.log.Info("polling session started",
		zap.String("session_id", i.sessionID),
		zap.Int("log_groups", len(i.groups)),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			highWater = i.pollOnce(ctx, highWater)
		}
	}
}

func (i *Ingestor) pollOnce(ctx context.Context, highWater int64) int64 {
	maxSeen := highWater
	for _, group := range i.groups {
		var nextToken *string
		for {
			out, err := i.client.FilterLogEvents(ctx, &cloudwatchlogs.FilterLogEventsInput{
				LogGroupName:  aws.String(group.Name),
				StartTime:     aws.Int64(highWater),
				FilterPattern: aws.String(EnvelopeFilterPattern),
				NextToken:     nextToken,
			})
			if err != nil {
				if ctx.Err() != nil {
					return maxSeen
				}
				i.push(ctx, Message{Err: fmt.Errorf("filter log events for %s: %w", group.Name, err)})
				break
			}
			for _, logEvent := range out.Events {
				if ts := aws.ToInt64(logEvent.Timestamp); ts > maxSeen {
					maxSeen = ts
				}
				i.ingestMessage(ctx, aws.ToString(logEvent.Message), group.Name)
			}
			if out.NextToken == nil {
				break
			}
			nextToken = out.NextToken
		}
	}
	// Advance past the newest event so it is not re-ingested next tick.
	if maxSeen > highWater {
		return maxSeen + 1
	}
	return highWater
}

func (i *Ingestor) ingestMessage(ctx context.Context, message, source string) {
	items, err := i.parser.Parse([]string{message}, source)
	if err != nil {
		i.log.Warn("failed to parse log event", zap.Error(err))
		return
	}
	for _, item := range items {
		if !i.push(ctx, Message{Item: item}) {
			return
		}
	}
}

// push blocks when the channel is full, providing backpressure, and
// gives up only when the context ends.
func (i *Ingestor) push(ctx context.Context, msg Message) bool {
	select {
	case i.Out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
