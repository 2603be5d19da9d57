package messages

import (
	"html"
	"strings"
	"unicode/utf8"
)

// Telegram HTML parse mode helpers. Everything user supplied goes through esc.

func esc(s string) string { return html.EscapeString(s) }

func bold(s string) string { return "<b>" + esc(s) + "</b>" }

func code(s string) string { return "<code>" + esc(s) + "</code>" }

// truncRunes cuts s to n runes, appending an ellipsis when it had to cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i, count := 0, 0
	for i = range s {
		if count == n {
			break
		}
		count++
	}
	return s[:i] + "…"
}

// displayName prefers the chosen name and falls back to the @handle.
func displayName(name, username string) string {
	name = strings.TrimSpace(name)
	if name == "" && username != "" {
		name = "@" + strings.TrimPrefix(username, "@")
	}
	if name == "" {
		name = "anonymous"
	}
	return truncRunes(name, 32)
}

// MaxMessageLen is Telegram's text limit in UTF-16 units; counting runes keeps
// a safe margin for the characters used here.
const MaxMessageLen = 4096

// Split breaks text on line boundaries into chunks no longer than limit runes.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		out []string
		cur strings.Builder
		n   int
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		ln := utf8.RuneCountInString(line)
		if n > 0 && n+ln > limit {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
		for ln > limit {
			head := truncRunesExact(line, limit)
			out = append(out, head)
			line = line[len(head):]
			ln -= limit
		}
		cur.WriteString(line)
		n += ln
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func truncRunesExact(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
