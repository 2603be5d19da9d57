package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

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

// TelegramConfig controls forwarding of warnings to the operators chat.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender delivers one rendered log line to a chat. The app wires it to the
// telegram adapter; it may be nil when the ops sink is never enabled.
type Sender func(ctx context.Context, chatID int64, threadID int, text string) error

const defaultLogPath = "./hundredbot.log"

// Service owns the active sinks. Loggers handed out by Service keep
// following it across Apply.
type Service struct {
	mu sync.Mutex

	root atomic.Value // zerolog.Logger
	file *os.File

	send    Sender
	opsQ    chan opsLine
	opsOnce sync.Once
	opsStop context.CancelFunc
	opsWG   sync.WaitGroup

	// guarded by mu
	chatID   int64
	threadID int
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type opsLine struct {
	chatID   int64
	threadID int
	text     string
}

// New applies cfg right away and returns the service with its root logger.
func New(cfg Config, send Sender) (*Service, Logger) {
	configureGlobals()
	s := &Service{
		send:     send,
		opsQ:     make(chan opsLine, 256),
		threadID: cfg.Telegram.ThreadID,
	}
	s.root.Store(zerolog.New(consoleWriter(os.Stdout)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

// SetTelegramTarget points the ops sink at a chat. chatID 0 mutes it.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.chatID = chatID
	if threadID != 0 {
		s.threadID = threadID
	}
	s.mu.Unlock()
}

// Apply swaps outputs and level. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = ParseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := cfg.Telegram.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Telegram.ThreadID != 0 {
		s.threadID = cfg.Telegram.ThreadID
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	sinks := make([]io.Writer, 0, 3)
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled && s.send != nil {
		s.opsOnce.Do(s.startOpsWorker)
		sinks = append(sinks, &opsWriter{svc: s})
		if s.chatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without telegram.group_log")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) startOpsWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.opsStop = cancel
	s.opsWG.Add(1)
	go func() {
		defer s.opsWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ln := <-s.opsQ:
				_ = s.send(ctx, ln.chatID, ln.threadID, ln.text)
			}
		}
	}()
}

// Close stops the ops worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	stop := s.opsStop
	s.opsStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.opsWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// opsWriter is the zerolog sink feeding the ops chat queue.
type opsWriter struct{ svc *Service }

func (w *opsWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *opsWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	chatID, threadID, lim, minLevel := s.chatID, s.threadID, s.limiter, s.minLevel
	s.mu.Unlock()

	if chatID == 0 || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := renderOpsLine(p)
	if text == "" {
		return len(p), nil
	}
	// Never block the logging call site; drop when the queue is full.
	select {
	case s.opsQ <- opsLine{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}
