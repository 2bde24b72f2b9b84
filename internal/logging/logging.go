package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. JSON output so the orchestration fields
// (batch_id, step, site, task_id) stay machine-parseable.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
