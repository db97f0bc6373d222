// Package logging provides the leveled *log.Logger construction shared by
// every package in the fabric, following the same log.Logger-plus-
// logutils.LevelFilter wiring hashicorp/serf uses for its RPC client logger.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/hashicorp/logutils"
)

// Levels in increasing severity, matching logutils.LevelFilter.Levels.
var Levels = []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"}

// New builds a *log.Logger writing to w (os.Stderr if nil) filtered to
// minLevel and above. prefix is typically the package or component name,
// e.g. "hostasync".
func New(prefix string, w io.Writer, minLevel logutils.LogLevel) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	filter := &logutils.LevelFilter{
		Levels:   Levels,
		MinLevel: minLevel,
		Writer:   w,
	}
	return log.New(filter, prefix+": ", log.LstdFlags)
}

// Default builds a logger at INFO and above, the level used when a
// constructor isn't given an explicit logger.
func Default(prefix string) *log.Logger {
	return New(prefix, os.Stderr, "INFO")
}
