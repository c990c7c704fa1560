package feed

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode turns the export body into text. It tries UTF-8 (with or without BOM),
// then the charset named by the Content-Type header, then Windows-1252, then Latin-1.
func Decode(body []byte, contentType string) string {
	if trimmed, ok := bytes.CutPrefix(body, utf8BOM); ok {
		return string(trimmed)
	}
	if utf8.Valid(body) {
		return string(body)
	}

	var candidates []encoding.Encoding
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if enc, err := htmlindex.Get(params["charset"]); err == nil {
			candidates = append(candidates, enc)
		}
	}
	candidates = append(candidates, charmap.Windows1252)

	for _, enc := range candidates {
		text, err := enc.NewDecoder().Bytes(body)
		if err == nil && utf8.Valid(text) && !bytes.ContainsRune(text, utf8.RuneError) {
			return string(text)
		}
	}

	// Latin-1 maps every byte.
	text, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
	if err != nil {
		return strings.ToValidUTF8(string(body), "\uFFFD")
	}
	return string(text)
}

// sniffDelimiter picks tab, semicolon or comma by frequency in the header line.
func sniffDelimiter(text string) rune {
	line, _, _ := strings.Cut(text, "\n")
	best, bestCount := ',', 0
	for _, d := range []rune{'\t', ';', ','} {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
