package gmail

import (
	"encoding/base64"
	"html"
	"regexp"
	"strings"
)

// Plain-text parts shorter than this are assumed to be stubs ("view this
// email in your browser") and the HTML part is preferred instead.
const minUsefulPlainText = 500

var (
	stripBlocksRe = regexp.MustCompile(`(?is)<(style|script|head)[^>]*>.*?</(style|script|head)>`)
	stripTagsRe   = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// extractBody walks a message payload and returns the best plain-text
// rendition of its content: a substantial text/plain part wins, otherwise
// the text/html part stripped down to text.
func extractBody(payload messagePayload) string {
	plain := collectPart(payload, "text/plain")
	if len(plain) > minUsefulPlainText {
		return plain
	}

	if html := collectPart(payload, "text/html"); html != "" {
		if text := stripHTML(html); text != "" {
			return text
		}
	}
	return plain
}

// collectPart concatenates the decoded bodies of every part with the given
// MIME type, depth first.
func collectPart(payload messagePayload, mimeType string) string {
	var sb strings.Builder
	walkParts(payload, mimeType, &sb)
	return strings.TrimSpace(sb.String())
}

func walkParts(payload messagePayload, mimeType string, sb *strings.Builder) {
	if payload.MimeType == mimeType && payload.Body.Data != "" {
		sb.WriteString(decodeBody(payload.Body.Data))
	}
	for _, part := range payload.Parts {
		walkParts(part, mimeType, sb)
	}
}

// decodeBody decodes Gmail's URL-safe base64 part data, tolerating both
// padded and unpadded forms.
func decodeBody(data string) string {
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

// stripHTML reduces an HTML document to its readable text.
func stripHTML(doc string) string {
	doc = stripBlocksRe.ReplaceAllString(doc, " ")
	doc = stripTagsRe.ReplaceAllString(doc, " ")
	doc = html.UnescapeString(doc)
	// UnescapeString renders &nbsp; as U+00A0, which \s+ does not match.
	doc = strings.ReplaceAll(doc, "\u00a0", " ")
	doc = whitespaceRe.ReplaceAllString(doc, " ")
	return strings.TrimSpace(doc)
}
