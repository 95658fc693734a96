package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger levels
const (
	DEBUG = iota
	INFO
	WARN
	ERROR
	FATAL
)

var (
	globalLogger *Logger
	once         sync.Once

	defaultLogDir  = ".browzer/logs"
	defaultLogFile = "browzer.log"
	maxLogSize     = int64(10 * 1024 * 1024) // 10MB
	maxLogAge      = 7 * 24 * time.Hour
)

// Logger is the application logger. Messages go to a rotating file under the
// project's .browzer/logs directory through a zap core.
type Logger struct {
	mu         sync.Mutex
	sink       *rotatingFile
	base       *zap.Logger
	sugar      *zap.SugaredLogger
	level      zap.AtomicLevel
	projectDir string
}

// Initialize sets up the global logger
func Initialize(projectDir string) error {
	var initErr error
	once.Do(func() {
		l := &Logger{
			projectDir: projectDir,
			level:      zap.NewAtomicLevelAt(zapcore.InfoLevel),
		}
		if err := l.init(); err != nil {
			initErr = err
			l.base = zap.NewNop()
			l.sugar = l.base.Sugar()
		}
		globalLogger = l
	})
	return initErr
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if globalLogger == nil {
		Initialize(".")
	}
	return globalLogger
}

// NewNop returns a logger that discards everything; tests use it
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{base: base, sugar: base.Sugar(), level: zap.NewAtomicLevel()}
}

func (l *Logger) init() error {
	logDir := filepath.Join(l.projectDir, defaultLogDir)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	sink := &rotatingFile{
		path:    filepath.Join(logDir, defaultLogFile),
		maxSize: maxLogSize,
	}
	if err := sink.open(); err != nil {
		return err
	}
	l.sink = sink

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), l.level)
	l.base = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	l.sugar = l.base.Sugar()
	return nil
}

func (l *Logger) write(level int, format string, v ...interface{}) {
	msg := strings.TrimRight(fmt.Sprintf(format, v...), "\n")
	switch level {
	case DEBUG:
		l.sugar.Debug(msg)
	case INFO:
		l.sugar.Info(msg)
	case WARN:
		l.sugar.Warn(msg)
	case ERROR:
		l.sugar.Error(msg)
	case FATAL:
		l.sugar.Error(msg)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.write(DEBUG, format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.write(INFO, format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.write(WARN, format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.write(ERROR, format, v...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.write(FATAL, format, v...)
	l.Sync()
	os.Exit(1)
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level int) {
	switch level {
	case DEBUG:
		l.level.SetLevel(zapcore.DebugLevel)
	case INFO:
		l.level.SetLevel(zapcore.InfoLevel)
	case WARN:
		l.level.SetLevel(zapcore.WarnLevel)
	default:
		l.level.SetLevel(zapcore.ErrorLevel)
	}
}

// Named returns a structured logger for one component
func (l *Logger) Named(name string) *zap.Logger {
	return l.base.WithOptions(zap.AddCallerSkip(-2)).Named(name)
}

// Sync flushes buffered entries
func (l *Logger) Sync() {
	_ = l.base.Sync()
}

// Close closes the logger
func (l *Logger) Close() error {
	l.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	if l.sink == nil {
		return ""
	}
	return l.sink.path
}

// Package-level convenience functions

// Debug logs a debug message using the global logger
func Debug(format string, v ...interface{}) {
	GetLogger().Debug(format, v...)
}

// Info logs an info message using the global logger
func Info(format string, v ...interface{}) {
	GetLogger().Info(format, v...)
}

// Warn logs a warning message using the global logger
func Warn(format string, v ...interface{}) {
	GetLogger().Warn(format, v...)
}

// Error logs an error message using the global logger
func Error(format string, v ...interface{}) {
	GetLogger().Error(format, v...)
}

// Fatal logs a fatal message using the global logger and exits
func Fatal(format string, v ...interface{}) {
	GetLogger().Fatal(format, v...)
}

// Named returns a component logger from the global logger
func Named(name string) *zap.Logger {
	return GetLogger().Named(name)
}

// Writer returns an io.Writer for the logger (useful for redirecting standard log)
func Writer() io.Writer {
	return &logWriter{logger: GetLogger()}
}

type logWriter struct {
	logger *Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Info("%s", string(p))
	return len(p), nil
}

// RedirectStandardLog redirects the standard log package to use our logger.
// chromedp reports protocol errors through log.Printf by default.
func RedirectStandardLog() {
	log.SetOutput(Writer())
	log.SetFlags(0)
}

// rotatingFile is the zap sink. It renames the file once it grows past maxSize
// and prunes rotated files older than maxLogAge.
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	maxSize int64
}

func (r *rotatingFile) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if info, err := file.Stat(); err == nil {
		r.size = info.Size()
	}
	r.file = file
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size >= r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *rotatingFile) rotate() error {
	if r.file != nil {
		r.file.Close()
	}

	timestamp := time.Now().Format("20060102-150405")
	rotatedPath := filepath.Join(filepath.Dir(r.path), fmt.Sprintf("browzer-%s.log", timestamp))
	if err := os.Rename(r.path, rotatedPath); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	go cleanOldLogs(filepath.Dir(r.path))
	return nil
}

// cleanOldLogs removes rotated log files older than maxLogAge
func cleanOldLogs(logDir string) {
	files, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxLogAge)
	for _, file := range files {
		if file.IsDir() || file.Name() == defaultLogFile {
			continue
		}
		if filepath.Ext(file.Name()) != ".log" {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(logDir, file.Name()))
		}
	}
}
