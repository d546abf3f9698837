// Package logging builds the logrus logger shared by every subsystem. All
// components accept a *logrus.Logger in their Config and fall back to a
// default one, so wiring a single logger through the store is a choice, not
// a requirement.
package logging

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/types"
)

// New returns a logger at the given level name (debug, info, warn, error).
func New(level string) (*logrus.Logger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown log level %q", types.ErrInvalidArgument, level)
	}

	log := logrus.New()
	log.SetLevel(parsed)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return log, nil
}

// Default returns an Info-level logger with the standard formatter.
func Default() *logrus.Logger {
	log, _ := New("info")
	return log
}
