// Package applog builds the pipeline's structured logger: logrus routed
// through an OutputSplitter in the teacher's common/logging.go style (errors
// to stderr, everything else to stdout), plus a redaction hook that scrubs
// secret-bearing fields (source/destination connection URIs) before they
// ever reach a formatter.
package applog

import (
	"bytes"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based on
// level, exactly as the teacher's common.OutputSplitter does.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a logger at the given level ("debug", "info", "warn", "error")
// in either "text" or "json" format, with output split per OutputSplitter
// and the uriRedactionHook installed.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(OutputSplitter{})

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.AddHook(uriRedactionHook{})
	return logger
}

// uriRedactionHook scrubs the credential portion of any field ending in
// "uri" or "url" (e.g. --src-uri, --dst-uri) before the entry is formatted,
// so connection strings never land in a log line verbatim.
type uriRedactionHook struct{}

var credentialPattern = regexp.MustCompile(`://[^@/]+@`)

func (uriRedactionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (uriRedactionHook) Fire(entry *logrus.Entry) error {
	for k, v := range entry.Data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if !looksLikeURIField(k) {
			continue
		}
		entry.Data[k] = credentialPattern.ReplaceAllString(s, "://***@")
	}
	return nil
}

func looksLikeURIField(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasSuffix(lower, "uri") || strings.HasSuffix(lower, "url")
}
