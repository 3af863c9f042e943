package conversation

import "strings"

const (
	// TitleMaxRunes is how much of the first line a derived title keeps.
	TitleMaxRunes = 40
	DefaultTitle  = "New chat"
	ellipsis      = "..."
)

// Truncate keeps the first n runes of s and appends "..." when anything was
// cut. Truncating a truncated string again returns it unchanged.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + ellipsis
}

// Title derives a conversation title from the first user message.
func Title(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		return DefaultTitle
	}
	return Truncate(line, TitleMaxRunes)
}

// ErrorMarker is the assistant reply recorded when a completion fails.
func ErrorMarker(err error) string {
	return "❌ Error: " + err.Error()
}
