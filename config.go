package packdepot

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Config configures a repository handle.
type Config struct {
	// URL is the repository root, e.g. "file:///srv/repo" or
	// "mem://localhost/repo". Any scheme the transport layer understands
	// works.
	URL string
	// Logger is an optional structured logger. If nil, a stderr logger at
	// Info level is used.
	Logger *logrus.Logger
}

func (c Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	return log
}
