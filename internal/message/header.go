package message

import (
	"bytes"
	"slices"
	"strings"
)

const crlf = "\r\n"

// Header is a raw HTTP header block: a start line, CRLF-terminated field lines and a
// terminating empty line. Edits splice the underlying buffer in place.
type Header struct {
	raw []byte
}

// NewHeader wraps raw as a header block. The slice is owned by the header afterwards.
func NewHeader(raw []byte) Header {
	return Header{raw: raw}
}

func (h *Header) Bytes() []byte  { return h.raw }
func (h *Header) String() string { return string(h.raw) }
func (h *Header) Len() int       { return len(h.raw) }
func (h *Header) IsEmpty() bool  { return len(h.raw) == 0 }

// Replace swaps the whole block for raw, normalized to CRLF line endings with exactly one
// empty line at the end. An empty or blank raw clears the block.
func (h *Header) Replace(raw string) {
	h.raw = Normalize(raw)
}

// Normalize converts raw into a well-formed header block.
func Normalize(raw string) []byte {
	raw = strings.ReplaceAll(raw, crlf, "\n")
	raw = strings.TrimRight(raw, "\n")

	if strings.TrimSpace(raw) == "" {
		return nil
	}

	out := strings.ReplaceAll(raw, "\n", crlf)

	return []byte(out + crlf + crlf)
}

// FirstLine returns the request or status line.
func (h *Header) FirstLine() string {
	i := bytes.IndexByte(h.raw, '\n')
	if i < 0 {
		return strings.TrimRight(string(h.raw), "\r")
	}

	return strings.TrimRight(string(h.raw[:i]), "\r")
}

func (h *Header) SetFirstLine(line string) {
	i := bytes.IndexByte(h.raw, '\n')
	if i < 0 {
		h.raw = Normalize(line)
		return
	}

	h.raw = slices.Replace(h.raw, 0, i+1, []byte(line+crlf)...)
}

// Get returns the value of the first field called name, compared case-insensitively.
func (h *Header) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

func (h *Header) Lookup(name string) (string, bool) {
	for _, f := range h.fields() {
		if f.is(name) {
			return f.value, true
		}
	}

	return "", false
}

// Values returns every value of name in block order.
func (h *Header) Values(name string) []string {
	var out []string

	for _, f := range h.fields() {
		if f.is(name) {
			out = append(out, f.value)
		}
	}

	return out
}

// Set rewrites the first field called name and drops any further occurrences.
// A missing field is appended.
func (h *Header) Set(name, value string) {
	fs := h.fields()

	first := -1
	for i := len(fs) - 1; i >= 0; i-- {
		if !fs[i].is(name) {
			continue
		}

		if first >= 0 {
			h.raw = slices.Delete(h.raw, fs[first].start, fs[first].end)
		}

		first = i
	}

	if first < 0 {
		h.Add(name, value)
		return
	}

	f := fs[first]
	h.raw = slices.Replace(h.raw, f.start, f.end, []byte(name+": "+value+crlf)...)
}

// Add appends a field line before the terminating empty line. An empty block has no
// start line to carry fields and is left empty.
func (h *Header) Add(name, value string) {
	if h.IsEmpty() {
		return
	}

	line := []byte(name + ": " + value + crlf)

	at := h.bodyStart()
	h.raw = slices.Insert(h.raw, at, line...)
}

// Del removes every field called name together with its continuation lines.
func (h *Header) Del(name string) {
	fs := h.fields()

	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].is(name) {
			h.raw = slices.Delete(h.raw, fs[i].start, fs[i].end)
		}
	}
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	return Header{raw: bytes.Clone(h.raw)}
}

type field struct {
	name       string
	value      string
	start, end int
}

func (f field) is(name string) bool {
	return strings.EqualFold(f.name, name)
}

// bodyStart is the offset of the terminating empty line, or the end of the buffer.
func (h *Header) bodyStart() int {
	if i := bytes.Index(h.raw, []byte(crlf+crlf)); i >= 0 {
		return i + len(crlf)
	}

	if i := bytes.Index(h.raw, []byte("\n\n")); i >= 0 {
		return i + 1
	}

	if len(h.raw) > 0 && !bytes.HasSuffix(h.raw, []byte("\n")) {
		h.raw = append(h.raw, crlf...)
	}

	return len(h.raw)
}

func (h *Header) fields() []field {
	var (
		out []field
		pos int
	)

	first := true

	for pos < len(h.raw) {
		end := bytes.IndexByte(h.raw[pos:], '\n')
		if end < 0 {
			end = len(h.raw)
		} else {
			end += pos + 1
		}

		line := strings.TrimRight(string(h.raw[pos:end]), "\r\n")

		switch {
		case line == "":
			return out
		case first:
			first = false
		case line[0] == ' ' || line[0] == '\t':
			if n := len(out); n > 0 {
				out[n-1].end = end
				out[n-1].value += " " + strings.TrimSpace(line)
			}
		default:
			name, value, _ := strings.Cut(line, ":")
			out = append(out, field{
				name:  strings.TrimSpace(name),
				value: strings.TrimSpace(value),
				start: pos,
				end:   end,
			})
		}

		pos = end
	}

	return out
}
