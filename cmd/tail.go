package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/dev7a/serverless-otlp-forwarder/internal/compactor"
	"github.com/dev7a/serverless-otlp-forwarder/internal/envelope"
	"github.com/dev7a/serverless-otlp-forwarder/internal/parser"
	"github.com/dev7a/serverless-otlp-forwarder/internal/render"
	"github.com/dev7a/serverless-otlp-forwarder/internal/sender"
	"github.com/dev7a/serverless-otlp-forwarder/internal/tail"
	"go.uber.org/zap"
)

func runTail(ctx context.Context) error {
	if forwardOnly && otlpEndpoint == "" {
		return fmt.Errorf("--forward-only requires --otlp-endpoint to be set")
	}

	zl, err := newLogger(verbosity)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	headers, err := parseHeaderFlags(otlpHeaders)
	if err != nil {
		return err
	}

	if otlpEndpoint == "" {
		zl.Info("running in console-only mode, no OTLP endpoint provided")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	// AWS clients
	var loadOpts []func(*awsconfig.LoadOptions) error
	if awsRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(awsRegion))
	}
	if awsProfile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(awsProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("load AWS configuration: %w", err)
	}
	cwlClient := cloudwatchlogs.NewFromConfig(awsCfg)

	// Discovery
	var groups []tail.LogGroup
	if logGroupPattern != "" {
		groups, err = tail.DiscoverByPattern(ctx, cwlClient, logGroupPattern, zl)
	} else {
		cfnClient := cloudformation.NewFromConfig(awsCfg)
		groups, err = tail.DiscoverByStack(ctx, cfnClient, cwlClient, stackName, zl)
	}
	if err != nil {
		return err
	}
	for _, g := range groups {
		zl.Debug("tailing log group", zap.String("name", g.Name), zap.String("arn", g.ARN))
	}

	// Producer
	envelopeParser := parser.NewEnvelopeParser(zl)
	minLevel := envelope.MinLevel()
	envelopeParser.MinLevel = &minLevel
	ingestor := tail.NewIngestor(zl, cwlClient, envelopeParser, groups)

	// Consumer
	coordinator := tail.NewCoordinator(zl, ingestor.Out)
	if !forwardOnly {
		coordinator.ConsoleOut = os.Stdout
		coordinator.RenderOpts = render.Options{
			TimelineWidth: timelineWidth,
			Compact:       compactDisplay,
			AttrGlobs:     render.BuildAttrGlobs(eventAttrs, zl),
			SeverityAttr:  eventSeverityAttribute,
		}
	}
	if otlpEndpoint != "" {
		s := sender.New(zl, sender.NewClient())
		s.EndpointOverride = otlpEndpoint
		s.HeaderOverride = headers
		coordinator.Sender = s
		coordinator.Compaction = compactor.Config{
			Compression:      compactor.Gzip,
			CompressionLevel: compactor.DefaultCompressionLevel,
		}
	}
	if verbosity > 0 {
		coordinator.ReportInterval = 10 * time.Second
	}

	zl.Info("starting tail session",
		zap.String("session_id", ingestor.SessionID()),
		zap.Int("log_groups", len(groups)))

	if pollInterval > 0 {
		go ingestor.RunPoll(ctx, time.Duration(pollInterval)*time.Second)
	} else {
		go ingestor.RunStream(ctx, time.Duration(sessionTimeout)*time.Minute)
	}

	if err := coordinator.Run(ctx); err != nil {
		return err
	}
	zl.Info("tail session finished")
	return nil
}
