package cursor

import (
	"strings"
	"unicode/utf8"
)

// Metrics describes the text container a cursor is drawn over.
// Coordinates assume fixed-width characters.
type Metrics struct {
	LineHeight  float64
	CharWidth   float64
	PaddingTop  float64
	PaddingLeft float64
	ScrollTop   float64
	ScrollLeft  float64
}

type Point struct {
	Top  float64 `json:"top"`
	Left float64 `json:"left"`
}

// Coordinates maps a rune offset in text to the pixel position of a cursor
// drawn there. Offsets outside the text are clamped.
func Coordinates(text string, offset int, m Metrics) Point {
	if offset < 0 {
		offset = 0
	}
	prefix := text
	if n := utf8.RuneCountInString(text); offset < n {
		prefix = string([]rune(text)[:offset])
	}
	lines := strings.Split(prefix, "\n")
	line := len(lines) - 1
	col := utf8.RuneCountInString(lines[line])

	return Point{
		Top:  m.PaddingTop + float64(line)*m.LineHeight - m.ScrollTop,
		Left: m.PaddingLeft + float64(col)*m.CharWidth - m.ScrollLeft,
	}
}
