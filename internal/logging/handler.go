// Package logging provides a compact, colorized slog.Handler for warren's
// CLI and engine output.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Options configures a PrettyHandler.
type Options struct {
	Level      slog.Leveler
	UseColor   bool
	ShowSource bool
	TimeFormat string
}

// DefaultOptions returns sensible defaults for an interactive terminal.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		ShowSource: false,
		TimeFormat: time.RFC3339,
	}
}

// PrettyHandler implements slog.Handler with a single-line, field-separated
// format: "time | LEVEL | message | {json fields}".
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorTime, colorMessage, colorSource, colorFields color.Color
	colorLevel                                        map[slog.Level]*color.Color
}

var _ slog.Handler = (*PrettyHandler)(nil)

// New returns a PrettyHandler writing to w.
func New(w io.Writer, opts Options) *PrettyHandler {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &PrettyHandler{
		opts:   opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColors()

	return h
}

func (h *PrettyHandler) initColors() {
	h.colorLevel = map[slog.Level]*color.Color{
		slog.LevelDebug: color.New(color.FgMagenta),
		slog.LevelInfo:  color.New(color.FgBlue),
		slog.LevelWarn:  color.New(color.FgYellow),
		slog.LevelError: color.New(color.FgRed, color.Bold),
	}
	h.colorTime = *color.New(color.FgHiBlack)
	h.colorMessage = *color.New(color.FgCyan)
	h.colorSource = *color.New(color.FgHiBlack)
	h.colorFields = *color.New(color.FgWhite)

	if !h.opts.UseColor {
		color.NoColor = true
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime.Sprint(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(" | ")
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(" | ")

	if h.opts.ShowSource && r.PC != 0 {
		if src := h.source(r.PC); src != "" {
			buf.WriteString(h.colorSource.Sprint(src))
			buf.WriteString(" | ")
		}
	}

	buf.WriteString(h.colorMessage.Sprint(r.Message))

	fields := h.collectFields(r)
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err == nil {
			buf.WriteString(" | ")
			buf.WriteString(h.colorFields.Sprint(string(b)))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	nh := *h
	nh.mu = h.mu
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	nh := *h
	nh.mu = h.mu
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-5s", strings.ToUpper(level.String()))
	if c, ok := h.colorLevel[level]; ok {
		return c.Sprint(s)
	}
	return s
}

func (h *PrettyHandler) source(pc uintptr) string {
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func (h *PrettyHandler) collectFields(r slog.Record) map[string]any {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())

	dest := fields
	for _, g := range h.groups {
		nested := make(map[string]any)
		dest[g] = nested
		dest = nested
	}

	for _, a := range h.attrs {
		addAttr(dest, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(dest, a)
		return true
	})

	return fields
}

func addAttr(dest map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		nested := make(map[string]any)
		for _, ga := range v.Group() {
			addAttr(nested, ga)
		}
		if len(nested) > 0 {
			dest[a.Key] = nested
		}
	case slog.KindTime:
		dest[a.Key] = v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		dest[a.Key] = v.Duration().String()
	default:
		dest[a.Key] = v.Any()
	}
}
