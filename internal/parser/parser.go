// Package parser converts raw log records into telemetry units. Two
// strategies exist: one for stdout-envelope lines and one for raw JSON
// spans emitted by AWS Application Signals. Malformed records are
// dropped per record, never failing the batch.
package parser

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/dev7a/serverless-otlp-forwarder/internal/telemetry"
)

// Parser turns one event payload into zero or more telemetry units.
type Parser[E any] interface {
	Parse(event E, source string) ([]telemetry.Data, error)
}

// MessagesFromLogsEvent decodes a CloudWatch Logs subscription event
// (base64 + gzip awslogs.data) into its log messages and owning log
// group.
func MessagesFromLogsEvent(event events.CloudwatchLogsEvent) ([]string, string, error) {
	data, err := event.AWSLogs.Parse()
	if err != nil {
		return nil, "", fmt.Errorf("decode cloudwatch logs payload: %w", err)
	}
	messages := make([]string, 0, len(data.LogEvents))
	for _, logEvent := range data.LogEvents {
		messages = append(messages, logEvent.Message)
	}
	return messages, data.LogGroup, nil
}
