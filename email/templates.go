package email

import (
	"fmt"
	"strings"
)

func (s *Sender) formatAlertBody(title, body, link string) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"da\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".title { color: #2e7d32; font-weight: 600; font-size: 1.2em; }\n")
	b.WriteString(".content { margin: 15px 0; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString(".footer a { color: #7f8c8d; text-decoration: underline; margin: 0 8px; }\n")
	b.WriteString(".footer a:first-child { margin-left: 0; }\n")
	b.WriteString("a { color: #2e7d32; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".title { color: #81c784; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString(".footer a { color: #a0a0a0; }\n")
	b.WriteString("a { color: #81c784; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<div class=\"title\">%s</div>\n", escapeHTML(title)))
	if body != "" {
		b.WriteString(fmt.Sprintf("<div class=\"content\">%s</div>\n", escapeHTML(body)))
	}

	b.WriteString("<div class=\"footer\">\n")
	if link != "" && isSafeURL(link) {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Se observationen</a>\n", escapeHTML(link)))
	}
	if s.baseURL != "" {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Indstillinger</a>\n", escapeHTML(strings.TrimRight(s.baseURL, "/")+"/")))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL validates that a URL is safe for use in emails.
// Only allows http and https. Blocks javascript:, data:, relative links and the rest.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
