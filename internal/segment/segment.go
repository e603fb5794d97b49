// Package segment splits assistant replies into blocks short enough for
// WhatsApp-style delivery, preferring heading and sentence boundaries.
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"leadbot/internal/domain"
)

// DefaultMaxChars is the block budget used when the caller passes a
// non-positive limit.
const DefaultMaxChars = 350

const headingMarker = "#"

// Split breaks text into ordered, trimmed blocks of at most maxChars runes.
// It always returns at least one block; blank input yields a single empty
// block.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return []string{strings.TrimSpace(text)}
	}

	s := &splitter{limit: maxChars}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		switch {
		case isHeading(line):
			s.flush()
			if runeLen(line) > s.limit {
				s.emit(splitLong(line, s.limit)...)
				continue
			}
			s.cur = line
		case runeLen(line) > s.limit:
			s.flush()
			s.emit(splitLong(line, s.limit)...)
		default:
			s.add(line)
		}
	}
	s.flush()

	blocks := merge(s.blocks, maxChars)
	if len(blocks) == 0 {
		return []string{""}
	}
	return blocks
}

// Blocks is Split with ordinal positions attached.
func Blocks(text string, maxChars int) []domain.Block {
	parts := Split(text, maxChars)
	out := make([]domain.Block, len(parts))
	for i, p := range parts {
		out[i] = domain.Block{Position: i, Text: p}
	}
	return out
}

type splitter struct {
	limit  int
	cur    string
	blocks []string
}

// add appends line to the current block, closing the block first when the
// line would push it over the limit.
func (s *splitter) add(line string) {
	if s.cur == "" {
		s.cur = line
		return
	}
	if runeLen(s.cur)+1+runeLen(line) <= s.limit {
		s.cur += "\n" + line
		return
	}
	s.flush()
	s.cur = line
}

func (s *splitter) flush() {
	if b := strings.TrimSpace(s.cur); b != "" {
		s.blocks = append(s.blocks, b)
	}
	s.cur = ""
}

func (s *splitter) emit(parts ...string) {
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			s.blocks = append(s.blocks, p)
		}
	}
}

// splitLong accumulates the sentences of an over-long line into blocks and
// hard-cuts sentences that alone exceed the limit.
func splitLong(line string, limit int) []string {
	var out []string
	cur := ""
	for _, sentence := range sentences(line) {
		if runeLen(sentence) > limit {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			out = append(out, hardCut(sentence, limit)...)
			continue
		}
		if cur == "" {
			cur = sentence
			continue
		}
		if runeLen(cur)+1+runeLen(sentence) <= limit {
			cur += " " + sentence
			continue
		}
		out = append(out, cur)
		cur = sentence
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// sentences splits on '.', '!' or '?' followed by whitespace. The
// terminator stays with its sentence; the whitespace is dropped.
func sentences(line string) []string {
	var out []string
	runes := []rune(line)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hardCut(s string, limit int) []string {
	runes := []rune(s)
	out := make([]string, 0, len(runes)/limit+1)
	for len(runes) > limit {
		out = append(out, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// merge joins neighbouring blocks while the result fits. A block opening
// with a heading is never appended to the block before it.
func merge(blocks []string, limit int) []string {
	if len(blocks) < 2 {
		return blocks
	}
	out := []string{blocks[0]}
	for _, b := range blocks[1:] {
		last := out[len(out)-1]
		if !isHeading(b) && runeLen(last)+1+runeLen(b) <= limit {
			out[len(out)-1] = last + "\n" + b
			continue
		}
		out = append(out, b)
	}
	return out
}

func isHeading(line string) bool {
	return strings.HasPrefix(strings.TrimLeftFunc(line, unicode.IsSpace), headingMarker)
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
