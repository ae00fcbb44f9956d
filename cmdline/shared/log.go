package shared

import (
	"fmt"
	stdlog "log"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cachetsign/cachet/internal/logrotate"
)

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00" // RFC3339 with 3 decimal places, padded

var (
	argQuiet   bool
	argVerbose bool
	argLogFile string
)

func init() {
	RootCmd.PersistentFlags().BoolVarP(&argQuiet, "quiet", "q", false, "Log warnings and errors only")
	RootCmd.PersistentFlags().BoolVarP(&argVerbose, "verbose", "v", false, "Log debug messages")
	RootCmd.PersistentFlags().StringVar(&argLogFile, "log-file", "", "Write logs as JSON to a file instead of text to stderr")
}

// SetupLogging initializes zerolog with reasonable defaults
func SetupLogging() error {
	zerolog.TimeFieldFormat = rfc3339Milli
	zerolog.DurationFieldInteger = true
	switch argLogFile {
	case "-":
		// write JSON to stderr
	case "":
		// write pretty text to stderr
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	default:
		// write JSON to file
		w, err := logrotate.NewWriter(argLogFile)
		if err != nil {
			return fmt.Errorf("log-file: %w", err)
		}
		log.Logger = log.Logger.Output(w)
	}
	level := zerolog.InfoLevel
	switch {
	case argQuiet:
		level = zerolog.WarnLevel
	case argVerbose:
		level = zerolog.DebugLevel
	}
	log.Logger = log.Logger.Level(level)
	// pass stdlib logger through
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
	return nil
}
