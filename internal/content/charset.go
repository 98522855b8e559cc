package content

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Binary names the byte-transparent charset used for non-text bodies.
const Binary = "iso-8859-1"

var ErrUndecodable = errors.New("body does not decode with its charset")

// Decode turns a body into text. Text types use the declared charset, else whatever
// charset.DetermineEncoding sniffs; other types map every byte to one rune so that
// Encode(…, Binary) restores the exact bytes.
func Decode(body []byte, contentType string) (string, string, error) {
	if !IsText(MediaType(contentType)) {
		s, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
		return string(s), Binary, err
	}

	name := DeclaredCharset(contentType)

	var enc encoding.Encoding

	if name != "" {
		if enc, name = charset.Lookup(name); enc == nil {
			return "", "", fmt.Errorf("%w: unknown charset", ErrUndecodable)
		}
	} else {
		enc, name, _ = charset.DetermineEncoding(body, contentType)
	}

	if name == "utf-8" {
		if !utf8.Valid(body) {
			return "", "", ErrUndecodable
		}

		return string(body), name, nil
	}

	s, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrUndecodable, err)
	}

	return string(s), name, nil
}

// Encode converts text to the named charset.
func Encode(text, name string) ([]byte, error) {
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return []byte(text), nil
	}

	if strings.EqualFold(name, Binary) {
		return charmap.ISO8859_1.NewEncoder().Bytes([]byte(text))
	}

	enc, _ := charset.Lookup(name)
	if enc == nil {
		return nil, fmt.Errorf("unknown charset %q", name)
	}

	return enc.NewEncoder().Bytes([]byte(text))
}

// DeclaredCharset returns the charset parameter of a Content-Type value, lower-cased.
func DeclaredCharset(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}

	return strings.ToLower(strings.Trim(params["charset"], `"' `))
}

// SetCharset rewrites or adds the charset parameter, keeping other parameters.
func SetCharset(contentType, name string) string {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = MediaType(contentType)
		params = map[string]string{}
	}

	params["charset"] = name

	if out := mime.FormatMediaType(mt, params); out != "" {
		return out
	}

	return mt + "; charset=" + name
}
