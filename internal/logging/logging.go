// Package logging builds the single zerolog.Logger instance threaded
// explicitly through every constructor in this service, mirroring the
// teacher's logger.New(logger.Config{...}) -> *logger.Logger pattern.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the constructed logger's level and output shape.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
}

// New builds a zerolog.Logger. In "development" environments it writes
// human-readable console output; otherwise structured JSON to stdout.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stdout
	var output zerolog.ConsoleWriter
	logger := zerolog.New(writer)
	if strings.EqualFold(cfg.Environment, "development") {
		output = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
		logger = zerolog.New(output)
	}

	return logger.With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()
}
