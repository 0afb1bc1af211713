package tts

import (
	"strings"
	"unicode"
)

// sentence terminators that end a synthesis unit when followed by
// whitespace or end of input.
const sentenceEnders = ".!?"

// chunker accumulates incremental text and cuts it into units the
// synthesis service renders well: whole sentences where possible,
// clause or word boundaries when a sentence exceeds the length cap.
type chunker struct {
	buf     strings.Builder
	maxUnit int
}

func newChunker(maxUnit int) *chunker {
	return &chunker{maxUnit: maxUnit}
}

// push appends text and returns any units that are now complete.
func (c *chunker) push(text string) []string {
	c.buf.WriteString(text)

	var units []string
	for {
		unit, rest, ok := cutUnit(c.buf.String(), c.maxUnit)
		if !ok {
			break
		}
		if unit != "" {
			units = append(units, unit)
		}
		c.buf.Reset()
		c.buf.WriteString(rest)
	}
	return units
}

// flush returns the pending partial unit, trimmed; "" when nothing is
// buffered.
func (c *chunker) flush() string {
	out := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return out
}

// cutUnit extracts one complete unit from the front of s. A unit is
// complete when a sentence ends, or when the buffer exceeds maxUnit
// characters (cut at the last clause or word break before the cap).
func cutUnit(s string, maxUnit int) (unit, rest string, ok bool) {
	runes := []rune(s)

	// Sentence boundary: terminator followed by whitespace.
	for i := 0; i < len(runes)-1; i++ {
		if strings.ContainsRune(sentenceEnders, runes[i]) && unicode.IsSpace(runes[i+1]) {
			unit = strings.TrimSpace(string(runes[:i+1]))
			rest = strings.TrimLeftFunc(string(runes[i+1:]), unicode.IsSpace)
			if unit != "" {
				return unit, rest, true
			}
			return "", rest, rest != ""
		}
	}

	if len(runes) <= maxUnit {
		return "", s, false
	}

	// Over the cap with no sentence end: prefer a clause break, then a
	// word break, then a hard cut.
	cut := -1
	for i := maxUnit - 1; i > 0; i-- {
		if runes[i] == ',' || runes[i] == ';' || runes[i] == ':' {
			cut = i + 1
			break
		}
	}
	if cut < 0 {
		for i := maxUnit - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	if cut < 0 {
		cut = maxUnit
	}

	unit = strings.TrimSpace(string(runes[:cut]))
	rest = strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace)
	if unit == "" {
		return "", rest, rest != ""
	}
	return unit, rest, true
}
