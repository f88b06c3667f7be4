package app

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiDim    = "\x1b[2m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiPurple = "\x1b[35m"
	ansiCyan   = "\x1b[36m"
)

// prettySink is shared by every handler derived from one newPrettyHandler call.
type prettySink struct {
	mu    sync.Mutex
	w     io.Writer
	level slog.Leveler
	color bool
}

// prettyHandler writes "15:04:05.000 LEVEL event key=value ..." lines for
// local development. A few well-known keys get colors.
type prettyHandler struct {
	sink *prettySink

	// preformatted holds " key=value" text of attrs bound by WithAttrs.
	preformatted string
	group        string
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	sink := &prettySink{w: w, level: slog.LevelInfo, color: color}
	if opts != nil && opts.Level != nil {
		sink.level = opts.Level
	}
	return &prettyHandler{sink: sink}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.sink.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 256)
	buf = h.sink.paint(buf, ansiDim, ts.Format("15:04:05.000"))
	buf = append(buf, ' ')
	code, tag := levelStyle(r.Level)
	buf = h.sink.paint(buf, code, tag)
	buf = append(buf, ' ')
	buf = h.sink.paint(buf, ansiBold, r.Message)
	buf = append(buf, h.preformatted...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.sink.appendAttr(buf, h.group, a)
		return true
	})
	buf = append(buf, '\n')

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	_, err := h.sink.w.Write(buf)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	buf := []byte(h.preformatted)
	for _, a := range attrs {
		buf = h.sink.appendAttr(buf, h.group, a)
	}
	return &prettyHandler{sink: h.sink, preformatted: string(buf), group: h.group}
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	return &prettyHandler{sink: h.sink, preformatted: h.preformatted, group: joinKey(h.group, name)}
}

func (s *prettySink) appendAttr(buf []byte, group string, a slog.Attr) []byte {
	v := a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if v.Kind() == slog.KindGroup {
		inner := joinKey(group, key)
		for _, ga := range v.Group() {
			buf = s.appendAttr(buf, inner, ga)
		}
		return buf
	}
	if key == "" {
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, joinKey(group, key)...)
	buf = append(buf, '=')
	code, text := styleValue(key, v)
	return s.paint(buf, code, text)
}

func (s *prettySink) paint(buf []byte, code, text string) []byte {
	if !s.color || code == "" {
		return append(buf, text...)
	}
	buf = append(buf, code...)
	buf = append(buf, text...)
	return append(buf, ansiReset...)
}

// styleValue renders v and picks its color from the unqualified key.
func styleValue(key string, v slog.Value) (code, text string) {
	switch key {
	case "method":
		return ansiCyan, strings.ToUpper(v.String())
	case "status":
		if v.Kind() == slog.KindInt64 {
			return statusColor(int(v.Int64())), strconv.FormatInt(v.Int64(), 10)
		}
	case "duration_ms":
		if v.Kind() == slog.KindInt64 {
			code = ansiGreen
			if v.Int64() >= 500 {
				code = ansiYellow
			}
			return code, strconv.FormatInt(v.Int64(), 10) + "ms"
		}
	case "err":
		return ansiRed, quoteIfNeeded(v.String())
	}
	if v.Kind() == slog.KindTime {
		return "", v.Time().Format(time.RFC3339)
	}
	return "", quoteIfNeeded(v.String())
}

func levelStyle(level slog.Level) (code, tag string) {
	switch {
	case level >= slog.LevelError:
		return ansiRed, "ERROR"
	case level >= slog.LevelWarn:
		return ansiYellow, "WARN "
	case level >= slog.LevelInfo:
		return ansiBlue, "INFO "
	default:
		return ansiPurple, "DEBUG"
	}
}

func statusColor(status int) string {
	switch status / 100 {
	case 5:
		return ansiRed
	case 4:
		return ansiYellow
	case 3:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
