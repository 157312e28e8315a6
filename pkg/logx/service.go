package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "rubaz/internal/transport"
)

const defaultLogPath = "./rubaz.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig routes warnings and errors to an operator chat. It is
// separate from the per-account notifications.
type TelegramConfig struct {
	Enabled    bool
	Token      string
	ChatID     string
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks. Apply swaps them atomically; loggers read the
// current root on every event.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	filePath string
	alerts   *alertSink
}

// New applies cfg and returns the Service with its root Logger. Sender may
// be nil when the Telegram sink is never enabled.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	s := &Service{alerts: newAlertSink(sender)}
	boot := zerolog.New(consoleWriter()).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sink set. The log file stays open when its path is
// unchanged so a reload does not lose buffered lines.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}
	if w := s.fileSink(cfg.File); w != nil {
		sinks = append(sinks, w)
	}
	if cfg.Telegram.Enabled {
		s.alerts.configure(cfg.Telegram)
		sinks = append(sinks, s.alerts)
		if s.alerts.target().Empty() {
			fmt.Fprintln(os.Stderr, "logx: logging.telegram is enabled without token or chat_id")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// fileSink returns the JSON file writer for fc, or nil when file output is
// off or the file cannot be opened. Caller holds s.mu.
func (s *Service) fileSink(fc FileConfig) io.Writer {
	if !fc.Enabled {
		s.closeFile()
		return nil
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogPath
	}
	if s.file != nil && s.filePath == path {
		return zerolog.SyncWriter(s.file)
	}
	s.closeFile()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	s.file, s.filePath = f, path
	return zerolog.SyncWriter(f)
}

func (s *Service) closeFile() {
	if s.file == nil {
		return
	}
	_ = s.file.Close()
	s.file, s.filePath = nil, ""
}

// Close stops the alert sender and closes the log file. Loggers stay usable
// but lose file output.
func (s *Service) Close() error {
	s.alerts.stop()
	s.mu.Lock()
	s.closeFile()
	s.mu.Unlock()
	return nil
}
