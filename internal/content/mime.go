// Package content holds the body helpers of the adaptation pipeline: media type gates,
// sniffing, charset conversion, content codings and change detection.
package content

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	DefaultBinaryType = "application/octet-stream"
	DefaultTextType   = "text/html"
)

// MediaType returns the lower-cased type/subtype of a Content-Type value.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}

	return strings.ToLower(strings.TrimSpace(mt))
}

// Matches reports whether mediaType is in list. Entries may be exact types, "type/*" or "*".
func Matches(list []string, mediaType string) bool {
	mediaType = MediaType(mediaType)
	major, _, _ := strings.Cut(mediaType, "/")

	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))

		switch {
		case entry == "*" || entry == "*/*":
			return true
		case entry == mediaType:
			return true
		case strings.HasSuffix(entry, "/*") && strings.TrimSuffix(entry, "/*") == major:
			return true
		}
	}

	return false
}

// IsText reports whether bodies of mediaType are character data.
func IsText(mediaType string) bool {
	mediaType = MediaType(mediaType)

	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case strings.HasSuffix(mediaType, "+xml"), strings.HasSuffix(mediaType, "+json"):
		return true
	}

	switch mediaType {
	case "application/json", "application/javascript", "application/x-javascript",
		"application/ecmascript", "application/xml", "application/xhtml+xml",
		"application/x-www-form-urlencoded":
		return true
	}

	return false
}

// Sniff detects the media type from the leading bytes of a body.
func Sniff(data []byte) string {
	return MediaType(mimetype.Detect(data).String())
}

// Disagrees reports whether a sniffed type contradicts the declared one. Generic results
// never contradict anything.
func Disagrees(declared, sniffed string) bool {
	declared, sniffed = MediaType(declared), MediaType(sniffed)

	switch sniffed {
	case "", DefaultBinaryType, "text/plain":
		return false
	}

	return declared != sniffed
}
