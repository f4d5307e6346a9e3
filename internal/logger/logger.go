package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	c "github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/utils"
)

const (
	LevelFatal slog.Level = 12
)

// fileSink owns the rotating log file and the writer goroutine. Handlers
// derived through WithAttrs/WithGroup share it.
type fileSink struct {
	ch          chan []byte
	writer      io.Writer
	currentDay  int
	currentFile *os.File
	basePath    string
	retention   time.Duration
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type AsyncHandler struct {
	sink     *fileSink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(basePath string, retention time.Duration, logLevel slog.Level) *AsyncHandler {
	sink := &fileSink{
		ch:        make(chan []byte, 1024),
		writer:    os.Stdout,
		basePath:  basePath,
		retention: retention,
	}
	if err := sink.rotateIfNeeded(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "log file unavailable, logging to stdout only: %v\n", err)
	}
	sink.wg.Add(1)
	go sink.startWorker()
	return &AsyncHandler{sink: sink, logLevel: logLevel}
}

func (s *fileSink) cleanOldLogs() {
	if s.retention <= 0 {
		return
	}
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > s.retention {
			_ = os.Remove(f)
		}
	}
}

// rotateIfNeeded opens the file for the current day, closing yesterday's.
func (s *fileSink) rotateIfNeeded() error {
	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		s.currentFile = nil
		s.writer = os.Stdout
	}

	logPath := filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(os.Stdout, s.currentFile)
	s.cleanOldLogs()
	return nil
}

func (s *fileSink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		_ = s.rotateIfNeeded()
		_, _ = s.writer.Write(data)
	}
}

func (s *fileSink) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		s.wg.Wait()
		if s.currentFile != nil {
			_ = s.currentFile.Sync()
			_ = s.currentFile.Close()
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	var line strings.Builder
	line.WriteString(fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05.000")),
		level,
		color.CyanString(r.Message),
	))

	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
	}
	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
		return true
	})
	line.WriteByte('\n')

	h.write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)

	return &AsyncHandler{
		sink:     h.sink,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		sink:     h.sink,
		attrs:    h.attrs,
		group:    name,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) write(p []byte) {
	defer func() {
		// the sink is closed during shutdown; late records go to stderr
		if recover() != nil {
			_, _ = os.Stderr.Write(p)
		}
	}()
	h.sink.ch <- p
}

func (h *AsyncHandler) Close() error {
	h.sink.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return lc.handler.Close()
}

func Init() *ShutdownCallback {
	config, _ := c.GetConfig()
	level := slog.LevelInfo
	if config.DebugMode {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(config.LogPath, utils.ParseStringTime(config.LogRetention), level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
