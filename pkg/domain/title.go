package domain

// Title derivation for the first user message of a session.
const (
	TitleMaxLen   = 20
	TitleEllipsis = "..."
)

// DeriveTitle truncates content to n characters, appending TitleEllipsis if
// anything was cut. n <= 0 falls back to TitleMaxLen.
func DeriveTitle(content string, n int) string {
	if n <= 0 {
		n = TitleMaxLen
	}
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + TitleEllipsis
}
