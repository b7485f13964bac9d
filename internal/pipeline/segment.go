package pipeline

import "strings"

// defaultMinUnitRunes is how much text a unit accumulates before a
// sentence boundary is honoured. Very short first units waste a TTS
// round-trip per clause; very long ones delay the first audio chunk.
const defaultMinUnitRunes = 60

// segmenter splits streamed reply text into synthesis units. Text is
// accumulated until it holds at least minRunes and ends a sentence;
// a hard newline always flushes, and Flush drains the remainder when
// the stream ends.
type segmenter struct {
	minRunes int
	buf      strings.Builder
}

func newSegmenter(minRunes int) *segmenter {
	if minRunes <= 0 {
		minRunes = defaultMinUnitRunes
	}
	return &segmenter{minRunes: minRunes}
}

// Feed appends streamed text and returns any units that became complete.
func (s *segmenter) Feed(text string) []string {
	if text == "" {
		return nil
	}
	s.buf.WriteString(text)

	var units []string
	for {
		unit, rest, ok := s.cut(s.buf.String())
		if !ok {
			break
		}
		units = append(units, unit)
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
	return units
}

// Flush returns the trailing partial unit, if any.
func (s *segmenter) Flush() (string, bool) {
	unit := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if unit == "" {
		return "", false
	}
	return unit, true
}

// cut finds the earliest flush point in text: a newline anywhere, or a
// sentence terminator once the minimum length is reached.
func (s *segmenter) cut(text string) (unit, rest string, ok bool) {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		unit = strings.TrimSpace(text[:i])
		rest = strings.TrimLeft(text[i+1:], "\n")
		if unit == "" {
			// Leading blank line; retry on the remainder.
			if rest == "" {
				return "", "", false
			}
			u, r, ok := s.cut(rest)
			return u, r, ok
		}
		return unit, rest, true
	}

	runes := []rune(text)
	if len(runes) < s.minRunes {
		return "", "", false
	}
	for i := s.minRunes - 1; i < len(runes); i++ {
		switch {
		case isWideSentenceEnd(runes[i]):
			// Fullwidth terminators carry no trailing space.
			unit = strings.TrimSpace(string(runes[:i+1]))
			rest = strings.TrimLeft(string(runes[i+1:]), " \t")
			return unit, rest, true
		case isSentenceEnd(runes[i]):
			// Require a trailing space so "3.5" or "e.g." mid-stream
			// does not split. End of buffer alone is not enough, more
			// text may still arrive.
			if i+1 >= len(runes) {
				return "", "", false
			}
			if runes[i+1] != ' ' && runes[i+1] != '\t' {
				continue
			}
			unit = strings.TrimSpace(string(runes[:i+1]))
			rest = strings.TrimLeft(string(runes[i+1:]), " \t")
			return unit, rest, true
		}
	}
	return "", "", false
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '?' || r == '!'
}

func isWideSentenceEnd(r rune) bool {
	return r == '。' || r == '？' || r == '！'
}
