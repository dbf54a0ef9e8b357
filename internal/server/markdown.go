package server

import (
	"html/template"
	"regexp"
	"strings"
)

var (
	boldRe = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	linkRe = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^\s)]+)\)`)
)

// formatMessage renders the small markdown subset agents answer with: fenced
// code blocks, inline code, bold and http(s) links. Everything is escaped
// before any markup is added.
func formatMessage(text string) template.HTML {
	var b strings.Builder
	for i, part := range strings.Split(text, "```") {
		if i%2 == 1 {
			b.WriteString("<pre><code>")
			b.WriteString(template.HTMLEscapeString(stripFenceLanguage(part)))
			b.WriteString("</code></pre>")
			continue
		}
		b.WriteString(formatInline(part))
	}
	return template.HTML(b.String())
}

// stripFenceLanguage drops the info string after an opening fence.
func stripFenceLanguage(code string) string {
	first, rest, found := strings.Cut(code, "\n")
	if found && !strings.ContainsAny(first, " \t") {
		return rest
	}
	return strings.TrimPrefix(code, "\n")
}

func formatInline(text string) string {
	var b strings.Builder
	for i, part := range strings.Split(text, "`") {
		escaped := template.HTMLEscapeString(part)
		if i%2 == 1 {
			b.WriteString("<code>" + escaped + "</code>")
			continue
		}
		escaped = linkRe.ReplaceAllString(escaped, `<a href="$2" target="_blank" rel="noopener noreferrer">$1</a>`)
		escaped = boldRe.ReplaceAllString(escaped, "<strong>$1</strong>")
		escaped = strings.ReplaceAll(escaped, "\n", "<br>")
		b.WriteString(escaped)
	}
	return b.String()
}
