package router

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

var ridSeq atomic.Uint64

// newReqID returns a short request id: base36 timestamp, sequence and two
// random chars.
func newReqID() string {
	n := ridSeq.Add(1)
	return base36(time.Now().UnixNano()) + "-" + base36(int64(n)) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}

func base36(v int64) string {
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	if v < 0 {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var out [32]byte
	i := len(out)
	for v > 0 {
		i--
		out[i] = chars[v%36]
		v /= 36
	}
	return string(out[i:])
}

// errUnterminatedQuote is returned for a line like `sms_set_carrier "Virgin`.
var errUnterminatedQuote = errors.New("unterminated quote")

// splitCommand separates the command word from the rest of the line. The
// rest is returned as typed, minus the separating whitespace.
func splitCommand(line string) (name, rest string) {
	line = strings.TrimSpace(line)
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeftFunc(line[i:], unicode.IsSpace)
}

// tokenizeCommandLine splits command arguments into tokens. Single or double
// quotes group words and a backslash escapes the next byte:
//
//	"Virgin Mobile"
//	Virgin\ Mobile
func tokenizeCommandLine(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var (
		out     []string
		buf     strings.Builder
		inQ     bool
		qChar   byte
		esc     bool
		started bool // distinguishes "" from no token
	)
	flush := func() {
		if started {
			out = append(out, buf.String())
			buf.Reset()
			started = false
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			started = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
			started = true
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
			started = true
		}
	}
	if inQ {
		return nil, errUnterminatedQuote
	}
	flush()
	return out, nil
}
