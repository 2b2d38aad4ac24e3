package cmd

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/dev7a/serverless-otlp-forwarder/internal/compactor"
	"github.com/dev7a/serverless-otlp-forwarder/internal/parser"
	"github.com/dev7a/serverless-otlp-forwarder/internal/processor"
	"github.com/dev7a/serverless-otlp-forwarder/internal/sender"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// forwardCmd runs the Lambda forwarder: it receives CloudWatch Logs
// subscription events, reassembles the OTLP batches they carry, and
// posts them to the resolved collector endpoint.
var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Run the Lambda handler forwarding CloudWatch Logs events to an OTLP endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForward()
	},
}

var parserKind string

func init() {
	rootCmd.AddCommand(forwardCmd)

	forwardCmd.Flags().StringVar(&parserKind, "parser", "envelope", "Record parser: envelope (otlp stdout lines) or rawspan (Application Signals JSON spans)")
}

func runForward() error {
	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	var p parser.Parser[[]string]
	switch parserKind {
	case "envelope":
		p = parser.NewEnvelopeParser(zl)
	case "rawspan":
		p = parser.NewRawSpanParser(zl)
	default:
		return fmt.Errorf("unknown parser %q (expected envelope or rawspan)", parserKind)
	}

	// Compaction settings are resolved once, before the first invocation,
	// and the endpoint is checked here so an invalid URL fails at startup.
	// The sender itself reads the endpoint, header and timeout variables
	// again on every Send.
	compactionCfg := compactor.ConfigFromEnv(zl)
	httpSender := sender.New(zl, sender.NewClient())
	if _, err := sender.ResolveEndpoint(); err != nil {
		return err
	}

	handler := func(ctx context.Context, event events.CloudwatchLogsEvent) error {
		messages, logGroup, err := parser.MessagesFromLogsEvent(event)
		if err != nil {
			zl.Error("failed to decode subscription event", zap.Error(err))
			return err
		}
		return processor.ProcessEventBatch(ctx, messages, p, logGroup, httpSender, compactionCfg, zl)
	}

	zl.Info("starting forwarder handler", zap.String("parser", parserKind))
	lambda.Start(handler)
	return nil
}
