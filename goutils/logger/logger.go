package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
)

// InitLogger sends warnings and errors to stderr, everything else to stdout.
// The level is read from LOG_LEVEL (logrus level names), defaulting to info.
func InitLogger() {
	log.SetOutput(io.Discard)

	log.AddHook(&writer.Hook{
		Writer: os.Stderr,
		LogLevels: []log.Level{
			log.PanicLevel,
			log.FatalLevel,
			log.ErrorLevel,
			log.WarnLevel,
		},
	})
	log.AddHook(&writer.Hook{
		Writer: os.Stdout,
		LogLevels: []log.Level{
			log.TraceLevel,
			log.InfoLevel,
			log.DebugLevel,
		},
	})

	log.SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

func ParseLevel(level string) log.Level {
	if level == "" {
		return log.InfoLevel
	}

	parsed, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}

	return parsed
}
