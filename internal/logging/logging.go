// Package logging builds the process logger. Only allow-listed attribute keys
// reach the output; anything else is replaced with a redaction marker so that
// phone numbers, thread ids and tokens never end up in log files.
package logging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

const redacted = "[redacted]"

// Allowed attribute keys. Values under these keys carry no contact data.
const (
	KeyChannel   = "channel"
	KeyConv      = "conv"
	KeyCount     = "count"
	KeyBlocks    = "blocks"
	KeyDelivered = "delivered"
	KeyDuration  = "duration"
	KeyErr       = "err"
	KeyStatus    = "status"
	KeyType      = "type"
	KeyState     = "state"
	KeyAttempt   = "attempt"
	KeyBackoff   = "backoff"
	KeyComponent = "component"
	KeyPath      = "path"
	KeyAddr      = "addr"
	KeyTextLen   = "text_len"
	KeyVersion     = "version"
	KeyDriver      = "driver"
	KeyMigration   = "migration"
	KeyDescription = "description"
	KeyConcurrency = "concurrency"
	KeyMethod      = "method"
)

var allowed = map[string]bool{
	KeyChannel: true, KeyConv: true, KeyCount: true, KeyBlocks: true,
	KeyDelivered: true, KeyDuration: true, KeyErr: true, KeyStatus: true,
	KeyType: true, KeyState: true, KeyAttempt: true, KeyBackoff: true,
	KeyComponent: true, KeyPath: true, KeyAddr: true, KeyTextLen: true,
	KeyVersion: true, KeyDriver: true, KeyMigration: true, KeyDescription: true,
	KeyConcurrency: true, KeyMethod: true,
}

// Options configures New.
type Options struct {
	Level  slog.Level
	File   string    // optional JSON log file
	Stderr io.Writer // defaults to os.Stderr
}

// New returns a redacting logger writing text to stderr and, when File is
// set, JSON to that file. The returned func closes the file.
func New(opts Options) (*slog.Logger, func() error) {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	stderrHandler := slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{Level: opts.Level})
	noop := func() error { return nil }

	if opts.File == "" {
		return slog.New(NewSafeHandler(stderrHandler)), noop
	}

	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(NewSafeHandler(stderrHandler))
		logger.Warn("cannot open log file, using stderr only", KeyPath, opts.File, KeyErr, err)
		return logger, noop
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: opts.Level})
	return slog.New(NewSafeHandler(slogmulti.Fanout(stderrHandler, fileHandler))), file.Close
}

// ParseLevel maps debug|info|warn|error to a slog level (default info).
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SafeHandler filters attributes against the allow-list before delegating.
type SafeHandler struct {
	next slog.Handler
}

func NewSafeHandler(next slog.Handler) *SafeHandler {
	return &SafeHandler{next: next}
}

func (h *SafeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SafeHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(filter(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SafeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	filtered := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		filtered = append(filtered, filter(a))
	}
	return &SafeHandler{next: h.next.WithAttrs(filtered)}
}

func (h *SafeHandler) WithGroup(name string) slog.Handler {
	return &SafeHandler{next: h.next.WithGroup(name)}
}

func filter(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		children := a.Value.Group()
		out := make([]any, 0, len(children))
		for _, c := range children {
			out = append(out, filter(c))
		}
		return slog.Group(a.Key, out...)
	}
	if !allowed[a.Key] {
		return slog.String(a.Key, redacted)
	}
	if a.Key == KeyErr {
		return slog.String(KeyErr, Scrub(a.Value.Resolve().String()))
	}
	return a
}

var (
	numberPattern = regexp.MustCompile(`\+?\d[\d\s().-]{6,}\d`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+\S+`)
)

// Scrub masks phone-number-like digit runs and bearer tokens in free text.
func Scrub(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer [token]")
	return numberPattern.ReplaceAllString(s, "[number]")
}

// Typed field constructors. Prefer these at call sites.

func Channel(name string) slog.Attr { return slog.String(KeyChannel, name) }

// Conv logs a conversation id as a short stable hash.
func Conv(id string) slog.Attr { return slog.String(KeyConv, Ref(id)) }

func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }
func Blocks(n int) slog.Attr { return slog.Int(KeyBlocks, n) }
func Delivered(n int) slog.Attr { return slog.Int(KeyDelivered, n) }
func Duration(d time.Duration) slog.Attr { return slog.Duration(KeyDuration, d) }
func Status(s string) slog.Attr { return slog.String(KeyStatus, s) }
func Type(t string) slog.Attr { return slog.String(KeyType, t) }
func State(s string) slog.Attr { return slog.String(KeyState, s) }
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }
func Backoff(d time.Duration) slog.Attr { return slog.Duration(KeyBackoff, d) }
func Component(name string) slog.Attr { return slog.String(KeyComponent, name) }
func TextLen(n int) slog.Attr { return slog.Int(KeyTextLen, n) }
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }
func Addr(a string) slog.Attr { return slog.String(KeyAddr, a) }
func Version(v string) slog.Attr { return slog.String(KeyVersion, v) }
func Driver(d string) slog.Attr { return slog.String(KeyDriver, d) }
func Migration(v int) slog.Attr { return slog.Int(KeyMigration, v) }
func Description(d string) slog.Attr { return slog.String(KeyDescription, d) }
func Concurrency(n int) slog.Attr { return slog.Int(KeyConcurrency, n) }
func Method(m string) slog.Attr { return slog.String(KeyMethod, m) }

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyErr, "")
	}
	return slog.String(KeyErr, Scrub(err.Error()))
}

// Ref returns an 8-hex-char digest of an identifier, enough to correlate log
// lines without revealing the identifier.
func Ref(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:4])
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
