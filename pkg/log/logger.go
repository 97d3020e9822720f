// Package log provides the structured logging facade used across datakit.
//
// Components obtain a named Logger and emit key/value structured events;
// the backing implementation is pluggable through LoggerProvider. The
// default provider discards everything, so embedding datakit stays silent
// until the host process opts in:
//
//	log.SetLoggerProvider(log.NewZerologProvider(log.ToLogLevel("info")))
//
// Field keys shared across components are declared here so log consumers
// can rely on stable names.
package log

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Shared structured-field keys.
const (
	OperationKey  = "operation"
	PhaseKey      = "phase"
	ComponentKey  = "component"
	ModelNameKey  = "model"
	SamplesKey    = "samples"
	FeaturesKey   = "features"
	RowsKey       = "rows"
	PredsKey      = "predictions"
	ClustersKey   = "clusters"
	ComponentsKey = "components"
	IterationsKey = "iterations"
	DurationMsKey = "duration_ms"
	RunIDKey      = "run_id"
)

// Shared structured-field values for OperationKey and PhaseKey.
const (
	OperationFit     = "fit"
	OperationPredict = "predict"
	OperationAnalyze = "analyze"
	OperationEncode  = "encode"

	PhaseTraining   = "training"
	PhaseInference  = "inference"
	PhaseAnalysis   = "analysis"
	PhaseValidation = "validation"
)

// Logger is the structured logging interface components depend on.
// Variadic arguments are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})

	// With returns a child logger with the key/value pairs attached to
	// every subsequent event.
	With(keysAndValues ...interface{}) Logger
}

// LoggerProvider creates named loggers.
type LoggerProvider interface {
	GetLogger() Logger
	GetLoggerWithName(name string) Logger
}

var (
	providerMu      sync.RWMutex
	defaultProvider LoggerProvider = NewNopProvider()
)

// SetLoggerProvider replaces the process-wide provider used by GetLogger and
// GetLoggerWithName. Intended to be called once by the host at startup.
func SetLoggerProvider(p LoggerProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	if p != nil {
		defaultProvider = p
	}
}

// GetLogger returns an unnamed logger from the current provider.
func GetLogger() Logger {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return defaultProvider.GetLogger()
}

// GetLoggerWithName returns a logger tagged with a component name.
func GetLoggerWithName(name string) Logger {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return defaultProvider.GetLoggerWithName(name)
}

// ToLogLevel converts a level name ("debug", "info", "warn", "error") to a
// zerolog level. Unknown names fall back to info.
func ToLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// zerologProvider backs Loggers with zerolog writing to stderr.
type zerologProvider struct {
	base zerolog.Logger
}

// NewZerologProvider creates a LoggerProvider that writes JSON events to
// stderr at the given level.
func NewZerologProvider(level zerolog.Level) LoggerProvider {
	base := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return &zerologProvider{base: base}
}

// NewZerologProviderWithLogger wraps an existing zerolog.Logger, letting the
// host route datakit events into its own sink.
func NewZerologProviderWithLogger(base zerolog.Logger) LoggerProvider {
	return &zerologProvider{base: base}
}

func (p *zerologProvider) GetLogger() Logger {
	return &zerologLogger{zl: p.base}
}

func (p *zerologProvider) GetLoggerWithName(name string) Logger {
	return &zerologLogger{zl: p.base.With().Str(ComponentKey, name).Logger()}
}

// zerologLogger adapts zerolog to the Logger interface.
type zerologLogger struct {
	zl zerolog.Logger
}

func (l *zerologLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.zl.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *zerologLogger) Info(msg string, keysAndValues ...interface{}) {
	l.zl.Info().Fields(keysAndValues).Msg(msg)
}

func (l *zerologLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.zl.Warn().Fields(keysAndValues).Msg(msg)
}

func (l *zerologLogger) Error(msg string, keysAndValues ...interface{}) {
	l.zl.Error().Fields(keysAndValues).Msg(msg)
}

func (l *zerologLogger) With(keysAndValues ...interface{}) Logger {
	return &zerologLogger{zl: l.zl.With().Fields(keysAndValues).Logger()}
}

// nopProvider discards all events.
type nopProvider struct {
	nop zerolog.Logger
}

// NewNopProvider creates a provider whose loggers drop every event. This is
// the default so the library is silent unless the host opts in.
func NewNopProvider() LoggerProvider {
	return &nopProvider{nop: zerolog.Nop()}
}

func (p *nopProvider) GetLogger() Logger {
	return &zerologLogger{zl: p.nop}
}

func (p *nopProvider) GetLoggerWithName(string) Logger {
	return &zerologLogger{zl: p.nop}
}
