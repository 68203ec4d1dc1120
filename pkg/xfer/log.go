package xfer

import (
	"log"
	"os"
)

// componentLogger is a tiny wrapper around the standard logger that tags
// every line with a component name, standing in for the named loggers
// (log_xd, log_gpudma, log_stream) the original DMA channel uses.
type componentLogger struct {
	*log.Logger
}

func newComponentLogger(component string) *componentLogger {
	return &componentLogger{log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)}
}

var (
	logXD     = newComponentLogger("xd")
	logGPUDMA = newComponentLogger("gpudma")
	logStream = newComponentLogger("stream")
)

// Debugf is a no-op unless GPUXFER_DEBUG is set, matching the original's
// habit of leaving verbose trace lines behind build/verbosity flags.
func (c *componentLogger) Debugf(format string, args ...interface{}) {
	if os.Getenv("GPUXFER_DEBUG") == "" {
		return
	}
	c.Printf(format, args...)
}
