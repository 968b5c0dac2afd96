// Package common provides centralized logging and the error taxonomy shared
// by all Archon services. The logging system is built on logrus with custom
// output handling that directs error-level messages to stderr while sending
// other log levels to stdout, enabling proper stream separation for
// containerized deployments.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to the appropriate stream based
// on the message's severity level:
//   - Error messages (containing "level=error") → stderr
//   - All other messages (info, debug, warn) → stdout
//
// Docker and Kubernetes environments capture stdout and stderr independently,
// so monitoring systems can treat the error stream with higher priority while
// info logs are processed for analytics and debugging.
type OutputSplitter struct{}

// Write implements io.Writer. It examines the byte content for the literal
// string "level=error" produced by logrus formatters and selects the stream
// accordingly. Safe for concurrent use; it only reads the input and writes to
// thread-safe OS streams.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the Archon core. All packages use
// this logger to ensure uniform output handling and formatting. Deployment
// environments customize it after import:
//
//	common.Logger.SetFormatter(&logrus.JSONFormatter{})
//	common.Logger.SetLevel(logrus.InfoLevel)
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies level and format settings from configuration.
// Unknown levels fall back to info; format "json" selects the JSON formatter,
// anything else keeps the text formatter with full timestamps.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
