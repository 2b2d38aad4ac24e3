package envelope

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Environment variables consumed by the envelope layer.
const (
	EnvServiceName        = "OTEL_SERVICE_NAME"
	EnvLambdaFunctionName = "AWS_LAMBDA_FUNCTION_NAME"
	EnvHeaders            = "OTEL_EXPORTER_OTLP_HEADERS"
	EnvTracesHeaders      = "OTEL_EXPORTER_OTLP_TRACES_HEADERS"
	EnvCompressionLevel   = "OTLP_STDOUT_SPAN_EXPORTER_COMPRESSION_LEVEL"
	EnvOutputPath         = "OTLP_STDOUT_SPAN_EXPORTER_OUTPUT_PATH"
)

const (
	// DefaultServiceName is used when neither service-name variable is set.
	DefaultServiceName = "unknown-service"
	// DefaultCompressionLevel for the exporter's gzip pass.
	DefaultCompressionLevel = 6
	// DefaultOutputPath selects the stdout sink.
	DefaultOutputPath = "stdout://"
)

// ResolveServiceName returns the service name, first match wins:
// OTEL_SERVICE_NAME, AWS_LAMBDA_FUNCTION_NAME, "unknown-service".
func ResolveServiceName() string {
	if v := os.Getenv(EnvServiceName); v != "" {
		return v
	}
	if v := os.Getenv(EnvLambdaFunctionName); v != "" {
		return v
	}
	return DefaultServiceName
}

// ResolveHeaders merges the constructor-provided headers with both header
// environment variables. Trace-specific values override the general ones,
// and the environment overrides the constructor. The reserved
// content-type and content-encoding keys are dropped from the
// environment sources. A nil map is returned when nothing resolves.
func ResolveHeaders(ctor map[string]string, log *zap.Logger) map[string]string {
	merged := make(map[string]string, len(ctor))
	for k, v := range ctor {
		merged[strings.ToLower(k)] = v
	}
	parseHeaderString(os.Getenv(EnvHeaders), merged, log)
	parseHeaderString(os.Getenv(EnvTracesHeaders), merged, log)
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// parseHeaderString folds comma-separated key=value pairs into dst.
// Malformed pairs are logged and skipped; parsing never fails.
func parseHeaderString(raw string, dst map[string]string, log *zap.Logger) {
	if raw == "" {
		return
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			if log != nil {
				log.Warn("malformed header pair, skipping", zap.String("pair", pair))
			}
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			if log != nil {
				log.Warn("empty header key, skipping", zap.String("pair", pair))
			}
			continue
		}
		// content-type and content-encoding are fixed by the payload.
		if key == "content-type" || key == "content-encoding" {
			continue
		}
		dst[key] = strings.TrimSpace(value)
	}
}

// ResolveCompressionLevel applies env > constructor > default. The
// constructor value is expressed as a pointer so that "not provided" is
// distinguishable from level 0.
func ResolveCompressionLevel(ctor *int, log *zap.Logger) int {
	if raw := os.Getenv(EnvCompressionLevel); raw != "" {
		level, err := strconv.Atoi(raw)
		if err == nil && level >= 0 && level <= 9 {
			return level
		}
		if log != nil {
			log.Warn("invalid compression level in environment, using fallback",
				zap.String("var", EnvCompressionLevel),
				zap.String("value", raw))
		}
	}
	if ctor != nil {
		return *ctor
	}
	return DefaultCompressionLevel
}

// ResolveOutputPath applies env > constructor > default for the sink URI.
func ResolveOutputPath(ctor string) string {
	if v := os.Getenv(EnvOutputPath); v != "" {
		return v
	}
	if ctor != "" {
		return ctor
	}
	return DefaultOutputPath
}

// ConfigError marks a startup configuration problem.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// NewConfigError builds a ConfigError with fmt semantics.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
