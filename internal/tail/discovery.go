// Package tail implements the live-tail pipeline: log-group discovery,
// a streaming or polling ingestor producing telemetry units over a
// bounded channel, and the coordinator that flushes them to the console
// and an OTLP endpoint on a one-second tick.
package tail

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfnTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"go.uber.org/zap"
)

// LogGroup is a discovered, validated log group.
type LogGroup struct {
	Name string
	ARN  string
}

// LogsClient is the slice of the CloudWatch Logs API the tail pipeline
// uses.
type LogsClient interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
	StartLiveTail(ctx context.Context, params *cloudwatchlogs.StartLiveTailInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartLiveTailOutput, error)
}

// StackClient is the slice of the CloudFormation API used for
// stack-based discovery.
type StackClient interface {
	ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
}

// DiscoverByPattern returns every log group whose name contains the
// pattern (case-sensitive substring).
func DiscoverByPattern(ctx context.Context, client LogsClient, pattern string, log *zap.Logger) ([]LogGroup, error) {
	var groups []LogGroup
	var nextToken *string
	for {
		out, err := client.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describe log groups: %w", err)
		}
		for _, lg := range out.LogGroups {
			name := aws.ToString(lg.LogGroupName)
			if !strings.Contains(name, pattern) {
				continue
			}
			groups = append(groups, LogGroup{Name: name, ARN: groupARN(lg.LogGroupArn, lg.Arn)})
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	if len(groups) == 0 {
		return nil, fmt.Errorf("no log groups match pattern %q", pattern)
	}
	log.Info("discovered log groups by pattern",
		zap.String("pattern", pattern), zap.Int("count", len(groups)))
	return groups, nil
}

// DiscoverByStack lists a CloudFormation stack's resources and keeps the
// log groups it declares: AWS::Logs::LogGroup resources directly, and
// the implicit /aws/lambda/<function> group of every
// AWS::Lambda::Function. Candidates that do not exist are skipped with
// a warning.
func DiscoverByStack(ctx context.Context, stacks StackClient, logs LogsClient, stackName string, log *zap.Logger) ([]LogGroup, error) {
	var candidates []string
	var nextToken *string
	for {
		out, err := stacks.ListStackResources(ctx, &cloudformation.ListStackResourcesInput{
			StackName: aws.String(stackName),
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list stack resources for %q: %w", stackName, err)
		}
		for _, res := range out.StackResourceSummaries {
			candidates = append(candidates, candidateLogGroups(res)...)
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	var groups []LogGroup
	for _, name := range candidates {
		group, err := resolveLogGroup(ctx, logs, name)
		if err != nil {
			log.Warn("skipping stack log group that could not be resolved",
				zap.String("log_group", name), zap.Error(err))
			continue
		}
		groups = append(groups, group)
	}

	if len(groups) == 0 {
		return nil, fmt.Errorf("stack %q yielded no usable log groups", stackName)
	}
	log.Info("discovered log groups from stack",
		zap.String("stack", stackName), zap.Int("count", len(groups)))
	return groups, nil
}

func candidateLogGroups(res cfnTypes.StackResourceSummary) []string {
	physicalID := aws.ToString(res.PhysicalResourceId)
	if physicalID == "" {
		return nil
	}
	switch aws.ToString(res.ResourceType) {
	case "AWS::Logs::LogGroup":
		return []string{physicalID}
	case "AWS::Lambda::Function":
		return []string{"/aws/lambda/" + physicalID}
	default:
		return nil
	}
}

// resolveLogGroup verifies a candidate exists and returns its ARN.
func resolveLogGroup(ctx context.Context, client LogsClient, name string) (LogGroup, error) {
	out, err := client.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(name),
	})
	if err != nil {
		return LogGroup{}, err
	}
	for _, lg := range out.LogGroups {
		if aws.ToString(lg.LogGroupName) == name {
			return LogGroup{Name: name, ARN: groupARN(lg.LogGroupArn, lg.Arn)}, nil
		}
	}
	return LogGroup{}, fmt.Errorf("log group %q does not exist", name)
}

// groupARN prefers the unsuffixed LogGroupArn, falling back to the
// legacy Arn with its ":*" suffix trimmed.
func groupARN(logGroupArn, arn *string) string {
	if v := aws.ToString(logGroupArn); v != "" {
		return v
	}
	return strings.TrimSuffix(aws.ToString(arn), ":*")
}
