package chat

import (
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/companion/internal/engine"
)

// Policy post-processes model output into a single companion line.
type Policy struct {
	// StripChars are removed from the output wherever they occur.
	StripChars string
	// FirstLineOnly keeps only the text before the first line break and
	// stops generation as soon as one arrives.
	FirstLineOnly bool
}

// DefaultPolicy strips commas and keeps the first line.
var DefaultPolicy = Policy{StripChars: ",", FirstLineOnly: true}

// persistable reports whether a reply is long enough to keep.
func persistable(reply string) bool {
	return utf8.RuneCountInString(reply) > 1
}

// lineFilter applies a Policy incrementally to a token stream, forwarding
// accepted text to out as it arrives. Trailing whitespace is held back
// until more text follows, so what reaches out is always the reply.
type lineFilter struct {
	policy  Policy
	out     io.Writer
	buf     strings.Builder
	pending string
	started bool
	done    bool
	outErr  error
}

func newLineFilter(p Policy, out io.Writer) *lineFilter {
	return &lineFilter{policy: p, out: out}
}

// feed is an engine Generate callback. It returns engine.ErrStop once the
// first line is complete in first-line mode.
func (f *lineFilter) feed(chunk string) error {
	if f.done {
		return engine.ErrStop
	}
	if f.policy.StripChars != "" {
		chunk = strings.Map(func(r rune) rune {
			if strings.ContainsRune(f.policy.StripChars, r) {
				return -1
			}
			return r
		}, chunk)
	}
	if !f.started {
		chunk = strings.TrimLeftFunc(chunk, unicode.IsSpace)
		if chunk == "" {
			return nil
		}
		f.started = true
	}

	stop := false
	if f.policy.FirstLineOnly {
		if i := strings.IndexAny(chunk, "\r\n"); i >= 0 {
			chunk = chunk[:i]
			stop = true
		}
	}

	f.accept(chunk)

	if stop {
		f.done = true
		return engine.ErrStop
	}
	return nil
}

func (f *lineFilter) accept(chunk string) {
	s := f.pending + chunk
	text := strings.TrimRightFunc(s, unicode.IsSpace)
	f.pending = s[len(text):]
	if text == "" {
		return
	}
	f.buf.WriteString(text)
	f.emit(text)
}

// emit forwards text to the caller. A failed write detaches the caller but
// generation continues so the reply can still be persisted.
func (f *lineFilter) emit(s string) {
	if f.out == nil || f.outErr != nil || s == "" {
		return
	}
	if _, err := io.WriteString(f.out, s); err != nil {
		f.outErr = err
		return
	}
	if fl, ok := f.out.(interface{ Flush() }); ok {
		fl.Flush()
	}
}

func (f *lineFilter) reply() string {
	return f.buf.String()
}
