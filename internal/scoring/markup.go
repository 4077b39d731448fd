package scoring

import (
	"strings"

	"golang.org/x/net/html"
)

// StripMarkup removes HTML tags from s and decodes entities. Line breaks
// become single spaces so "a<br/>b" reads as "a b".
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}

	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF is the only error a strings.Reader can produce.
			return sb.String()
		case html.TextToken:
			sb.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" {
				sb.WriteByte(' ')
			}
		}
	}
}
