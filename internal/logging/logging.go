// Package logging builds the zerolog loggers of the daemon and the
// one-shot CLI commands, and the field helpers every component logs with.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ComponentField carries the name set by WithComponent.
const ComponentField = "component"

// ProcessDaemon is the process name of 'oms run'. It owns the configured
// log file.
const ProcessDaemon = "run"

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	// Process names the writer. Anything but the daemon writes to its own
	// file beside FilePath, since lumberjack rotation is not safe across
	// processes.
	Process string
}

// FilePathFor returns the file process logs to.
func FilePathFor(path, process string) string {
	if process == "" || process == ProcessDaemon {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + process + ext
}

// NewLogger creates a logger with the specified configuration. It also
// sets the global level.
func NewLogger(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		noColor := !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
		writers = append(writers, consoleWriter(os.Stdout, noColor))
	}

	if cfg.File {
		path := FilePathFor(cfg.FilePath, cfg.Process)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

// consoleWriter renders one line per event with the component as a
// message prefix, e.g. "INF [watcher] Order placed".
func consoleWriter(out io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:         out,
		NoColor:     noColor,
		TimeFormat:  time.RFC3339,
		FormatLevel: formatLevel(noColor),
		FormatPrepare: func(evt map[string]interface{}) error {
			component, _ := evt[ComponentField].(string)
			if component == "" {
				return nil
			}
			msg, _ := evt[zerolog.MessageFieldName].(string)
			evt[zerolog.MessageFieldName] = strings.TrimSpace("[" + component + "] " + msg)
			delete(evt, ComponentField)
			return nil
		},
	}
}

func formatLevel(noColor bool) zerolog.Formatter {
	paint := func(attr color.Attribute, s string) string {
		if noColor {
			return s
		}
		c := color.New(attr)
		c.EnableColor()
		return c.Sprint(s)
	}
	return func(i interface{}) string {
		ll, ok := i.(string)
		if !ok {
			return "???"
		}
		switch ll {
		case "debug":
			return paint(color.FgCyan, "DBG")
		case "info":
			return paint(color.FgGreen, "INF")
		case "warn":
			return paint(color.FgYellow, "WRN")
		case "error":
			return paint(color.FgRed, "ERR")
		case "fatal", "panic":
			return paint(color.FgHiRed, strings.ToUpper(ll))
		default:
			return ll
		}
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithCommandID adds a command ID to the logger context.
func WithCommandID(logger zerolog.Logger, commandID string) zerolog.Logger {
	return logger.With().Str("command_id", commandID).Logger()
}

// WithStrategy adds a strategy name to the logger context.
func WithStrategy(logger zerolog.Logger, strategy string) zerolog.Logger {
	return logger.With().Str("strategy", strategy).Logger()
}

// WithIntent adds an intent ID to the logger context.
func WithIntent(logger zerolog.Logger, intentID string) zerolog.Logger {
	return logger.With().Str("intent_id", intentID).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str(ComponentField, component).Logger()
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, commandID, brokerOrderID, symbol, side, status string) {
	logger.Info().
		Str("event", "order").
		Str("command_id", commandID).
		Str("broker_order_id", brokerOrderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("status", status).
		Msg("Order update")
}

// LogTransition logs a local status transition of an order record.
func LogTransition(logger zerolog.Logger, commandID, from, to, tag string) {
	event := logger.Info()
	if to == "FAILED" {
		event = logger.Warn()
	}
	event.
		Str("event", "transition").
		Str("command_id", commandID).
		Str("from", from).
		Str("to", to).
		Str("tag", tag).
		Msg("Order status changed")
}

// LogIntent logs the terminal outcome of an intent.
func LogIntent(logger zerolog.Logger, intentID, intentType, status string, legs int) {
	logger.Info().
		Str("event", "intent").
		Str("intent_id", intentID).
		Str("intent_type", intentType).
		Str("status", status).
		Int("legs", legs).
		Msg("Intent processed")
}
