package streaming

import (
	"html"
	"regexp"
	"strings"
)

// ToRichText converts a subset of Markdown emitted by coding agents into
// Telegram-flavored HTML: code fences and inline code are preserved
// verbatim (HTML-escaped), bold/italic/strikethrough/links/headings are
// converted to their HTML tag equivalents, and blockquotes become Telegram's
// <blockquote> tag.
func ToRichText(markdown string) string {
	var out strings.Builder
	lines := strings.Split(markdown, "\n")

	inFence := false
	fenceLang := ""
	for i, line := range lines {
		if i > 0 {
			out.WriteByte('\n')
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !inFence {
				inFence = true
				fenceLang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
				if fenceLang != "" {
					out.WriteString(`<pre><code class="language-` + html.EscapeString(fenceLang) + `">`)
				} else {
					out.WriteString("<pre><code>")
				}
			} else {
				inFence = false
				out.WriteString("</code></pre>")
			}
			continue
		}

		if inFence {
			out.WriteString(html.EscapeString(line))
			continue
		}

		out.WriteString(formatLine(line))
	}

	if inFence {
		out.WriteString("</code></pre>")
	}

	return out.String()
}

var (
	reHeading       = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	reBlockquote    = regexp.MustCompile(`^>\s?(.*)$`)
	reInlineCode    = regexp.MustCompile("`([^`]+)`")
	reBoldStar      = regexp.MustCompile(`\*\*(\S(?:.*?\S)?)\*\*`)
	reBoldUnderline = regexp.MustCompile(`__(\S(?:.*?\S)?)__`)
	reStrike        = regexp.MustCompile(`~~(\S(?:.*?\S)?)~~`)
	reItalicStar    = regexp.MustCompile(`\*(\S(?:.*?\S)?)\*`)
	reItalicUnder   = regexp.MustCompile(`\b_(\S(?:.*?\S)?)_\b`)
	reLink          = regexp.MustCompile(`\[([^\]]*)\]\(([^)]+)\)`)
)

// formatLine converts one non-fence line of Markdown into HTML, escaping
// metacharacters everywhere except where a recognized construct introduces
// its own tags.
func formatLine(line string) string {
	if m := reHeading.FindStringSubmatch(line); m != nil {
		return "<b>" + formatInline(m[2]) + "</b>"
	}
	if m := reBlockquote.FindStringSubmatch(line); m != nil {
		return "<blockquote>" + formatInline(m[1]) + "</blockquote>"
	}
	return formatInline(line)
}

// formatInline extracts inline code spans first (so their contents are
// escaped but never re-processed as emphasis/links), escapes everything
// else, then applies emphasis/link substitutions to the escaped text.
func formatInline(s string) string {
	type placeholder struct {
		token string
		html  string
	}
	var placeholders []placeholder

	masked := reInlineCode.ReplaceAllStringFunc(s, func(m string) string {
		content := reInlineCode.FindStringSubmatch(m)[1]
		token := "\x00CODE" + string(rune(len(placeholders))) + "\x00"
		placeholders = append(placeholders, placeholder{token: token, html: "<code>" + html.EscapeString(content) + "</code>"})
		return token
	})

	escaped := html.EscapeString(masked)

	escaped = reLink.ReplaceAllStringFunc(escaped, func(m string) string {
		sub := reLink.FindStringSubmatch(m)
		if sub == nil {
			return m
		}
		return `<a href="` + sub[2] + `">` + sub[1] + `</a>`
	})
	escaped = reBoldStar.ReplaceAllString(escaped, "<b>$1</b>")
	escaped = reBoldUnderline.ReplaceAllString(escaped, "<b>$1</b>")
	escaped = reStrike.ReplaceAllString(escaped, "<s>$1</s>")
	escaped = reItalicStar.ReplaceAllString(escaped, "<i>$1</i>")
	escaped = reItalicUnder.ReplaceAllString(escaped, "<i>$1</i>")

	for _, p := range placeholders {
		escaped = strings.Replace(escaped, p.token, p.html, 1)
	}
	return escaped
}

// openTags scans HTML produced by ToRichText and returns the stack of tags
// still open at its end.
func openTags(s string) []string {
	tagRe := regexp.MustCompile(`</?([a-z]+)[^>]*>`)
	var stack []string
	for _, m := range tagRe.FindAllStringSubmatch(s, -1) {
		if strings.HasPrefix(m[0], "</") {
			if len(stack) > 0 && stack[len(stack)-1] == m[1] {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		if strings.HasSuffix(m[0], "/>") {
			continue
		}
		stack = append(stack, m[1])
	}
	return stack
}

// TruncateRichText cuts HTML-formatted text to at most maxLen runes,
// never splitting inside a tag, then appends a closing tag for any tag left
// open by the cut, so the result can exceed maxLen by those closing tags.
func TruncateRichText(richText string, maxLen int) string {
	if len([]rune(richText)) <= maxLen {
		return richText
	}

	runes := []rune(richText)
	cut := maxLen
	// Don't cut inside a tag: if we land inside "<...", back off to before
	// the last unmatched '<'.
	for i := cut - 1; i >= 0 && i > cut-200; i-- {
		if runes[i] == '>' {
			break
		}
		if runes[i] == '<' {
			cut = i
			break
		}
	}

	truncated := string(runes[:cut])
	for _, tag := range reverse(openTags(truncated)) {
		truncated += "</" + tag + ">"
	}
	return truncated
}

func reverse(tags []string) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[len(tags)-1-i] = t
	}
	return out
}
