package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// rootCmd is the livetrace command itself; tailing runs without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "livetrace",
	Short: "Tail CloudWatch Logs for OTLP/stdout traces and forward them",
	Long: `livetrace discovers CloudWatch log groups, streams or polls their
events, decodes embedded OTLP envelopes back into spans, and renders a
trace timeline on the terminal while optionally re-forwarding batches to
an OTLP endpoint.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTail(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	logGroupPattern string
	stackName       string

	otlpEndpoint string
	otlpHeaders  []string
	forwardOnly  bool

	timelineWidth  int
	compactDisplay bool
	eventAttrs     string

	pollInterval   uint64
	sessionTimeout uint64

	awsRegion  string
	awsProfile string

	verbosity int

	eventSeverityAttribute string
)

func init() {
	rootCmd.Flags().StringVar(&logGroupPattern, "pattern", "", "Log group name pattern for discovery (case-sensitive substring search)")
	rootCmd.Flags().StringVar(&stackName, "stack-name", "", "CloudFormation stack name for log group discovery")
	rootCmd.MarkFlagsOneRequired("pattern", "stack-name")
	rootCmd.MarkFlagsMutuallyExclusive("pattern", "stack-name")

	rootCmd.Flags().StringVarP(&otlpEndpoint, "otlp-endpoint", "e", "", "OTLP HTTP endpoint URL to send traces to (e.g. http://localhost:4318/v1/traces)")
	rootCmd.Flags().StringArrayVarP(&otlpHeaders, "otlp-header", "H", nil, "Custom header for the outgoing OTLP request as KEY=VALUE, repeatable")
	rootCmd.Flags().BoolVar(&forwardOnly, "forward-only", false, "Only forward telemetry, do not display it in the console")

	rootCmd.Flags().IntVar(&timelineWidth, "timeline-width", 80, "Width of the timeline bar in characters")
	rootCmd.Flags().BoolVar(&compactDisplay, "compact-display", false, "Use a compact display format (omits span id)")
	rootCmd.Flags().StringVar(&eventAttrs, "event-attrs", "", "Comma-separated glob patterns for event attributes to display (e.g. \"http.*,db.*\")")
	rootCmd.Flags().StringVar(&eventSeverityAttribute, "event-severity-attribute", "event.severity", "Attribute name used to determine event severity")

	rootCmd.Flags().Uint64Var(&pollInterval, "poll-interval", 0, "Polling interval in seconds; uses FilterLogEvents instead of a live tail")
	rootCmd.Flags().Uint64Var(&sessionTimeout, "session-timeout", 30, "Session duration in minutes before the live tail exits")
	rootCmd.MarkFlagsMutuallyExclusive("poll-interval", "session-timeout")

	rootCmd.Flags().StringVarP(&awsRegion, "region", "r", "", "AWS region; defaults to environment or profile configuration")
	rootCmd.Flags().StringVarP(&awsProfile, "profile", "p", "", "AWS profile; defaults to environment configuration")

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase logging verbosity (-v, -vv)")
}

// newLogger builds the session logger: Info by default, Debug at -v,
// Debug with callers at -vv and above.
func newLogger(verbosity int) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	switch verbosity {
	case 0:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		cfg.DisableCaller = true
	case 1:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.DisableCaller = true
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// parseHeaderFlags converts repeated KEY=VALUE flags into a header map.
// Malformed values are rejected so typos fail fast at startup.
func parseHeaderFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("malformed OTLP header (expected KEY=VALUE): %q", pair)
		}
		headers[strings.ToLower(key)] = strings.TrimSpace(value)
	}
	return headers, nil
}
