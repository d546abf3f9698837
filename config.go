package strata

import (
	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/logging"
)

// Config configures a database instance. Path is the only required field.
type Config struct {
	// Path is the store root directory. The chunk store, catalog, branches
	// and WAL live in subdirectories under it.
	Path string
	// MinimumFreeGB refuses to open the store when the filesystem has less
	// free space than this. 0 disables the check.
	MinimumFreeGB uint64
	// Compression enables lzma compression of stored chunks.
	Compression bool
	// Logger is an optional structured logger shared by all subsystems. If
	// nil, a default logrus logger at Info level is used.
	Logger *logrus.Logger
}

func defaultLogger() *logrus.Logger {
	return logging.Default()
}
