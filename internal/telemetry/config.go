package telemetry

import (
	"os"

	"github.com/BTreeMap/LabLab/internal/util"
)

// Config holds OTLP metrics exporter configuration.
type Config struct {
	Endpoint string
	Enabled  bool
	Insecure bool
}

// LoadConfig loads telemetry configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Endpoint: os.Getenv("LABLAB_OTEL_ENDPOINT"),
		Enabled:  util.ParseBoolEnv("LABLAB_OTEL_ENABLED", false),
		Insecure: util.ParseBoolEnv("LABLAB_OTEL_INSECURE", false),
	}
}
