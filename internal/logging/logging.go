// Package logging builds the process log writer and component loggers.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/settings"
)

// Writer tees stderr into a size-rotated file when cfg.File is set. Close
// the returned closer on shutdown.
func Writer(cfg settings.Log) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return os.Stderr, nopCloser{}
	}
	_ = os.MkdirAll(filepath.Dir(cfg.File), 0o755)
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return io.MultiWriter(os.Stderr, file), file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Factory creates component loggers that share one writer.
type Factory struct {
	w       io.Writer
	verbose bool
}

// NewFactory wraps w. Verbose loggers add file and line.
func NewFactory(w io.Writer, verbose bool) *Factory {
	return &Factory{w: w, verbose: verbose}
}

// Logger returns a logger with a "[component] " prefix.
func (f *Factory) Logger(component string) *log.Logger {
	flags := log.LstdFlags
	if f.verbose {
		flags |= log.Lshortfile
	}
	return log.New(f.w, "["+component+"] ", flags)
}
