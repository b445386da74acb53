package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dork-labs/relay/internal/conf"
)

var verbosity int

var rootCmd = &cobra.Command{
	Use:           "relay",
	Short:         "relay is an inter-agent message bus",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"verbose output (repeat for more detail)")
}

func logLevel() zerolog.Level {
	switch {
	case verbosity >= 2:
		return zerolog.TraceLevel
	case verbosity == 1:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// newLogger builds the daemon logger: human-readable console output on
// stderr, teed to the configured log file. The returned closer flushes
// the file.
func newLogger(cfg *conf.Config) (zerolog.Logger, func(), error) {
	console := zerolog.ConsoleWriter{Out: os.Stderr}

	logPath := cfg.LogFile
	if logPath == "" {
		dir, err := conf.Dir()
		if err != nil {
			return zerolog.Logger{}, nil, errors.Wrap(err, "resolve config dir")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Logger{}, nil, errors.Wrap(err, "create config dir")
		}
		logPath = filepath.Join(dir, "daemon.log")
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, errors.Wrap(err, "open log file")
	}

	log := zerolog.New(io.MultiWriter(console, f)).
		Level(logLevel()).
		With().Timestamp().Logger()
	return log, func() { _ = f.Close() }, nil
}
