package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Attribute keys the pretty handler lifts out of the key=value tail. A record
// that names an operator is printed as
//
//	12:04:05 WARN  op 3 ADD x: tensor left in float (degenerate range [0, 0])
const (
	KeyOp     = "op"
	KeyKind   = "kind"
	KeyTensor = "tensor"
	KeyReason = "reason"
	KeyBytes  = "bytes"
)

// maxListItems bounds how many elements of a slice attribute are printed.
const maxListItems = 4

// PrettyHandler is a slog.Handler for terminal output: short timestamps,
// colored levels and a compact subject for operator diagnostics.
type PrettyHandler struct {
	opts  slog.HandlerOptions
	w     io.Writer
	mu    *sync.Mutex
	group string
	attrs []slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

// diagnostic collects the lifted attributes of one record.
type diagnostic struct {
	op, kind, tensor, reason string
}

func (d *diagnostic) take(a slog.Attr) bool {
	switch a.Key {
	case KeyOp:
		d.op = a.Value.String()
	case KeyKind:
		d.kind = a.Value.String()
	case KeyTensor:
		d.tensor = a.Value.String()
	case KeyReason:
		d.reason = a.Value.String()
	default:
		return false
	}
	return true
}

func (d diagnostic) subject() string {
	if d.op == "" {
		return ""
	}
	parts := []string{"op", d.op}
	if d.kind != "" {
		parts = append(parts, d.kind)
	}
	if d.tensor != "" {
		parts = append(parts, d.tensor)
	}
	return strings.Join(parts, " ")
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var d diagnostic
	rest := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	rest = append(rest, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		// Lifting only applies to ungrouped records; grouped keys keep
		// their prefix in the tail.
		if h.group == "" && d.take(a) {
			return true
		}
		rest = append(rest, a)
		return true
	})
	// A reason without an operator stays in the tail.
	if d.op == "" {
		for _, a := range []slog.Attr{
			{Key: KeyKind, Value: slog.StringValue(d.kind)},
			{Key: KeyTensor, Value: slog.StringValue(d.tensor)},
			{Key: KeyReason, Value: slog.StringValue(d.reason)},
		} {
			if a.Value.String() != "" {
				rest = append(rest, a)
			}
		}
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, colorGray...)
	buf = r.Time.AppendFormat(buf, time.TimeOnly)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')
	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, colorBold...)
	buf = fmt.Appendf(buf, "%-5s", r.Level.String())
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	if s := d.subject(); s != "" {
		buf = append(buf, colorBold...)
		buf = append(buf, s...)
		buf = append(buf, colorReset...)
		buf = append(buf, ": "...)
	}
	buf = append(buf, r.Message...)
	if d.op != "" && d.reason != "" {
		buf = append(buf, " ("...)
		buf = append(buf, d.reason...)
		buf = append(buf, ')')
	}

	if len(rest) > 0 {
		buf = append(buf, colorCyan...)
		for _, a := range rest {
			buf = append(buf, ' ')
			buf = appendAttr(buf, a, h.group)
		}
		buf = append(buf, colorReset...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	c.group = name
	return &c
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func appendAttr(buf []byte, a slog.Attr, group string) []byte {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for i, ga := range a.Value.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, ga, key)
		}
		return buf
	}
	buf = append(buf, key...)
	buf = append(buf, '=')
	return append(buf, formatValue(a.Key, a.Value.Resolve())...)
}

func formatValue(key string, v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return quote(v.String())
	case slog.KindDuration:
		return v.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindInt64:
		if key == KeyBytes {
			return humanize.IBytes(uint64(max(v.Int64(), 0)))
		}
	case slog.KindUint64:
		if key == KeyBytes {
			return humanize.IBytes(v.Uint64())
		}
	case slog.KindAny:
		if s, ok := formatList(v.Any()); ok {
			return s
		}
	}
	return quote(fmt.Sprint(v.Any()))
}

// formatList prints slices as [a b c +n more].
func formatList(x any) (string, bool) {
	rv := reflect.ValueOf(x)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return "", false
	}
	n := rv.Len()
	items := make([]string, 0, min(n, maxListItems)+1)
	for i := range min(n, maxListItems) {
		items = append(items, fmt.Sprint(rv.Index(i).Interface()))
	}
	if n > maxListItems {
		items = append(items, fmt.Sprintf("+%d more", n-maxListItems))
	}
	return "[" + strings.Join(items, " ") + "]", true
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
