package log

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the global logger for the process. It is replaced by InitLogger
// early in startup; the default writes every level to stderr, unfiltered, so
// code that logs before initialization is never silently dropped.
var Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

// InitLogger builds the process logger from the server log level and format
// and installs it as the global Logger.
func InitLogger(levelName, format string) (log.Logger, error) {
	var lvl dslog.Level
	if err := lvl.Set(levelName); err != nil {
		return nil, err
	}

	var logger log.Logger
	switch format {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	case "logfmt", "":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	default:
		return nil, fmt.Errorf("unrecognized log format %q", format)
	}

	logger = level.NewFilter(logger, lvl.Option)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	Logger = logger
	return logger, nil
}
