package llm

import (
	"strings"

	"golang.org/x/net/html"
)

// CleanContent strips markup from s and collapses whitespace. Text inside
// script and style elements is dropped.
func CleanContent(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return CollapseWhitespace(s)
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return CollapseWhitespace(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if isRawText(string(name)) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if isRawText(string(name)) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isRawText(tag string) bool {
	return tag == "script" || tag == "style" || tag == "noscript"
}
