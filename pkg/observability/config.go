// Package observability wires OpenTelemetry tracing, metrics and structured
// logging for the lineage command line and MCP server.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// AppMode identifies how the binary was launched.
type AppMode string

const (
	// ModeCLI is a one-shot command.
	ModeCLI AppMode = "cli"
	// ModeMCP is the MCP stdio server.
	ModeMCP AppMode = "mcp"
)

const (
	defaultServiceName        = "lineage"
	defaultShutdownTimeoutSec = 5
)

// Config holds all observability configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Mode           AppMode

	// OTLPEndpoint is the OTLP gRPC collector address. Empty disables
	// export.
	OTLPEndpoint string
	OTLPHeaders  map[string]string
	OTLPInsecure bool

	// DebugTrace forces full sampling.
	DebugTrace  bool
	SampleRatio float64
	// TraceVerbose keeps per-file spans.
	TraceVerbose bool

	// Prometheus attaches a Prometheus reader to the meter provider and
	// exposes its scrape handler in Providers.Metrics.
	Prometheus bool

	LogLevel  slog.Level
	LogJSON   bool
	LogOutput io.Writer

	ShutdownTimeoutSec int
}

// DefaultConfig returns the zero-export configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		Mode:               ModeCLI,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeoutSec: defaultShutdownTimeoutSec,
	}
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(strings.TrimSpace(name)))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", name, err)
	}

	return level, nil
}
