package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a production zap logger tagged with the service name. An empty level means info.
func NewLogger(service, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "":
		normalized = "info"
	case "warning":
		normalized = "warn"
	}
	parsed, err := zapcore.ParseLevel(normalized)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	if service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	return cfg.Build()
}
