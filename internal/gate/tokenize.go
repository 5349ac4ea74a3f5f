package gate

import (
	"errors"
	"strings"
)

// ErrUnterminatedQuote is returned for commands with an unbalanced quote.
var ErrUnterminatedQuote = errors.New("unterminated quote")

// Tokenize splits a shell command into words, honoring single quotes, double
// quotes and backslash escapes. Unquoted control operators (;, &&, ||, |, &
// and newlines) separate the result into segments, one per simple command.
func Tokenize(command string) ([][]string, error) {
	var (
		segments [][]string
		words    []string
		cur      strings.Builder
		inWord   bool
	)
	flushWord := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	flushSegment := func() {
		flushWord()
		if len(words) > 0 {
			segments = append(segments, words)
			words = nil
		}
	}

	rs := []rune(command)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\\':
			if i+1 < len(rs) {
				i++
				if rs[i] != '\n' {
					cur.WriteRune(rs[i])
					inWord = true
				}
			}
		case r == '\'':
			end := indexRune(rs, i+1, '\'')
			if end < 0 {
				return nil, ErrUnterminatedQuote
			}
			cur.WriteString(string(rs[i+1 : end]))
			inWord = true
			i = end
		case r == '"':
			j := i + 1
			for ; j < len(rs) && rs[j] != '"'; j++ {
				if rs[j] == '\\' && j+1 < len(rs) && strings.ContainsRune(`"\$`+"`", rs[j+1]) {
					j++
				}
				cur.WriteRune(rs[j])
			}
			if j >= len(rs) {
				return nil, ErrUnterminatedQuote
			}
			inWord = true
			i = j
		case r == ';' || r == '|' || r == '&' || r == '\n':
			flushSegment()
		case r == ' ' || r == '\t':
			flushWord()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	flushSegment()
	return segments, nil
}

func indexRune(rs []rune, from int, target rune) int {
	for i := from; i < len(rs); i++ {
		if rs[i] == target {
			return i
		}
	}
	return -1
}
