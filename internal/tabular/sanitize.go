package tabular

// sanitize.go provides the reader wrappers applied to text sources before
// parsing:
//
//   - Normalize: drops a UTF-8 BOM (0xEF 0xBB 0xBF) and replaces invalid
//     UTF-8 bytes with '?'
//   - WithProgress: reports the share of the source consumed so far

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Normalize wraps r so the consumer sees BOM-free, valid UTF-8.
func Normalize(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return &sanitizer{br: br}
}

// sanitizer re-encodes runes one at a time. Invalid bytes become '?' so the
// output never grows relative to the input.
type sanitizer struct {
	br      *bufio.Reader
	pending []byte
}

func (s *sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]

	var buf [utf8.UTFMax]byte
	for n < len(p) {
		r, size, err := s.br.ReadRune()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if r == utf8.RuneError && size == 1 {
			r = '?'
		}
		w := utf8.EncodeRune(buf[:], r)
		c := copy(p[n:], buf[:w])
		n += c
		if c < w {
			s.pending = append(s.pending[:0], buf[c:w]...)
		}
	}
	return n, nil
}

// WithProgress wraps r and calls report with the percentage of total bytes
// consumed, at most once per 5% step. A non-positive total disables
// reporting.
func WithProgress(r io.Reader, total int64, report func(pct int)) io.Reader {
	if total <= 0 || report == nil {
		return r
	}
	return &progressReader{r: r, total: total, report: report}
}

type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)

	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	if pct >= p.last+5 || (pct == 100 && p.last < 100) {
		p.last = pct
		p.report(pct)
	}
	return n, err
}
