package embeddings

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/discoverd/internal/media"
)

// CanonicalVersion identifies the ItemText layout. Stored item vectors
// should be rebuilt when it changes.
const CanonicalVersion = 1

// ItemText renders the text embedded for a catalog item. Only present
// fields are written, always in the same order.
func ItemText(item media.Item) string {
	var b strings.Builder
	line := func(label, value string) {
		if value == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(value)
	}

	line("Title", item.Title)
	line("Type", string(item.Type))
	line("Description", item.Description)
	line("Genres", strings.Join(item.Genres, ", "))
	line("Cast", strings.Join(item.Cast, ", "))
	line("Director", item.Director)
	if y := item.Year(); y > 0 {
		line("Year", strconv.Itoa(y))
	}
	if item.Rating > 0 {
		line("Rating", strconv.FormatFloat(item.Rating, 'f', 1, 64))
	}
	line("Platforms", strings.Join(item.Platforms, ", "))
	if item.Duration != nil && *item.Duration > 0 {
		line("Duration", strconv.Itoa(*item.Duration)+" minutes")
	}
	if item.Seasons != nil && *item.Seasons > 0 {
		line("Seasons", strconv.Itoa(*item.Seasons))
	}
	return b.String()
}

// Truncate cuts text to at most maxChars runes without splitting a
// multi-byte character. maxChars <= 0 disables truncation.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i]
		}
		n++
	}
	return text
}

// runeLen is used by tests and logging.
func runeLen(s string) int { return utf8.RuneCountInString(s) }
