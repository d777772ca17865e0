package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures zerolog's global logger from LOG_LEVEL and LOG_FORMAT.
// It runs before configuration is loaded so that config loading itself is logged.
func InitLogger() {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", "support-core").Logger()

	log.Info().Str("logFormat", format).Str("logLevel", level.String()).Msg("Logger initialized")
}

// For returns a child of the global logger tagged with a component name.
// Background loops use it so their lines can be filtered apart from request logs.
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
