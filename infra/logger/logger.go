package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	corelogger "github.com/tozahudud/patrol/core/logger"
)

// Logger mirrors the core logger interface.
type Logger = corelogger.Logger

// NopLogger implements Logger with no-op methods.
type NopLogger = corelogger.NopLogger

// Options controls the process-wide output of loggers created by New.
type Options struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string
	// Format is "json" or "console". Empty selects console when APP_ENV=dev.
	Format string
	Out    io.Writer
}

var (
	mu      sync.RWMutex
	current = Options{Out: os.Stdout}
)

// Configure sets the options used by subsequent calls to New.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	current = opts
}

// New returns a Logger for the given component using the configured options.
func New(component string) Logger {
	mu.RLock()
	opts := current
	mu.RUnlock()
	return NewWithWriter(component, opts)
}

// NewWithWriter builds a logger for component with explicit options.
func NewWithWriter(component string, opts Options) Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	format := strings.ToLower(opts.Format)
	if format == "" && strings.ToLower(os.Getenv("APP_ENV")) == "dev" {
		format = "console"
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(out).Level(lvl).With().Timestamp().Str("component", component).Logger()
	return &ZerologLogger{log: z}
}
