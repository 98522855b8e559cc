package icap

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/starwalkn/ladle/internal/message"
)

const maxHeaderBlock = 1 << 20

// Request is a parsed ICAP request. The encapsulated HTTP message is available right
// after ReadRequest; the body is pulled lazily through ReadPreview and ReadBody.
type Request struct {
	Method string // REQMOD, RESPMOD or OPTIONS
	RawURL string
	URL    *url.URL
	Proto  string
	Header textproto.MIMEHeader

	// Preview is the announced preview size, -1 when the client sent the whole body.
	Preview  int
	Allow204 bool

	Message *message.Message

	br          *bufio.Reader
	hasBody     bool
	previewDone bool
	bodyDone    bool
	continueFn  func() error
}

// ReadRequest reads one request from b. A connection closed before any byte of a new
// request yields io.EOF.
//
//nolint:gocognit,funlen // sequential protocol parsing
func ReadRequest(b *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(b)

	var line string

	for {
		s, err := tp.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}

			return nil, err
		}

		if strings.TrimSpace(s) != "" {
			line = s
			break
		}
	}

	f := strings.SplitN(line, " ", 3) //nolint:mnd // method, uri, proto
	if len(f) < 3 {                   //nolint:mnd // method, uri, proto
		return nil, &ParseError{What: "malformed request line", Value: line}
	}

	req := &Request{
		Method:  strings.ToUpper(f[0]),
		RawURL:  f[1],
		Proto:   strings.TrimSpace(f[2]),
		Preview: -1,
		br:      b,
	}

	if !strings.HasPrefix(req.Proto, "ICAP/") {
		return nil, &ParseError{What: "unsupported protocol", Value: req.Proto}
	}

	u, err := url.Parse(req.RawURL)
	if err != nil {
		return nil, &ParseError{What: "malformed service url", Value: req.RawURL}
	}

	req.URL = u

	req.Header, err = tp.ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, truncated(err)
		}

		return nil, &ParseError{What: "malformed header", Value: err.Error()}
	}

	decodeIdentity(req.Header, "X-Authenticated-User")
	decodeIdentity(req.Header, "X-Authenticated-Groups")

	if v := req.Header.Get("Preview"); v != "" {
		n, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil || n < 0 {
			return nil, &ParseError{What: "malformed Preview header", Value: v}
		}

		req.Preview = n
	}

	for _, v := range req.Header.Values("Allow") {
		for _, a := range strings.Split(v, ",") {
			if strings.TrimSpace(a) == "204" {
				req.Allow204 = true
			}
		}
	}

	mode := message.ParseMode(req.Method)

	switch {
	case req.Method == "OPTIONS":
		return req, nil
	case mode == message.ModeUnknown:
		return nil, &ParseError{What: "unsupported method", Value: req.Method}
	}

	secs, err := parseEncapsulated(req.Header.Get("Encapsulated"))
	if err != nil {
		return nil, err
	}

	msg := message.New(mode)
	msg.ICAPHeader = req.Header
	msg.KeepAlive = req.KeepAlive()

	if secs.initial > 0 {
		if _, err = io.CopyN(io.Discard, b, int64(secs.initial)); err != nil {
			return nil, truncated(err)
		}
	}

	if secs.reqHdr > 0 {
		raw := make([]byte, secs.reqHdr)
		if _, err = io.ReadFull(b, raw); err != nil {
			return nil, truncated(err)
		}

		msg.RequestHeader = message.NewHeader(raw)
		msg.ParseRequestLine()
	}

	if secs.resHdr > 0 {
		raw := make([]byte, secs.resHdr)
		if _, err = io.ReadFull(b, raw); err != nil {
			return nil, truncated(err)
		}

		msg.ResponseHeader = message.NewHeader(raw)
		msg.ParseStatusLine()
	}

	req.Message = msg
	req.hasBody = secs.hasBody
	req.bodyDone = !secs.hasBody

	return req, nil
}

type sections struct {
	initial int
	reqHdr  int
	resHdr  int
	hasBody bool
}

func parseEncapsulated(s string) (sections, error) {
	var sec sections

	if strings.TrimSpace(s) == "" {
		return sec, &ParseError{What: "missing Encapsulated header", Value: s}
	}

	var (
		prevKey   string
		prevValue int
	)

	for _, item := range strings.Split(s, ",") {
		key, raw, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			return sec, &ParseError{What: "malformed Encapsulated header", Value: s}
		}

		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || value < prevValue || value > maxHeaderBlock {
			return sec, &ParseError{What: "malformed Encapsulated header", Value: s}
		}

		switch prevKey {
		case "":
			sec.initial = value
		case "req-hdr":
			sec.reqHdr = value - prevValue
		case "res-hdr":
			sec.resHdr = value - prevValue
		default:
			return sec, &ParseError{What: "section must be the last one", Value: prevKey}
		}

		switch key {
		case "req-hdr", "res-hdr", "null-body":
		case "req-body", "res-body", "opt-body":
			sec.hasBody = true
		default:
			return sec, &ParseError{What: "invalid Encapsulated key", Value: key}
		}

		prevKey, prevValue = key, value
	}

	if prevKey == "req-hdr" || prevKey == "res-hdr" {
		return sec, &ParseError{What: "Encapsulated header lacks a body section", Value: s}
	}

	return sec, nil
}

func decodeIdentity(h textproto.MIMEHeader, name string) {
	v := h.Get(name)
	if v == "" {
		return
	}

	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v)); err == nil {
		h.Set(name, string(decoded))
	}
}

// HasBody reports whether the request announced a body section.
func (r *Request) HasBody() bool { return r.hasBody }

// BodyComplete reports whether the whole body sits in the message.
func (r *Request) BodyComplete() bool { return r.bodyDone }

// KeepAlive reports whether the client allows the connection to be reused.
func (r *Request) KeepAlive() bool {
	return !strings.EqualFold(strings.TrimSpace(r.Header.Get("Connection")), "close")
}

// SetContinue installs the callback sending "100 Continue" before the rest of a
// previewed body is read.
func (r *Request) SetContinue(fn func() error) {
	r.continueFn = fn
}

// ReadPreview reads the preview chunks, if any.
func (r *Request) ReadPreview() error {
	if !r.hasBody || r.Preview < 0 || r.previewDone {
		return nil
	}

	r.previewDone = true

	buf := bytes.NewBuffer(r.Message.Body())
	ieof, err := readChunks(r.br, buf)
	r.Message.SetBody(buf.Bytes())

	if err != nil {
		return err
	}

	if ieof {
		r.bodyDone = true
	}

	return nil
}

// ReadBody makes sure the complete body is in the message, asking the client for the
// remainder of a preview when needed.
func (r *Request) ReadBody() error {
	if r.bodyDone {
		return nil
	}

	if r.Preview >= 0 {
		if err := r.ReadPreview(); err != nil {
			return err
		}

		if r.bodyDone {
			return nil
		}

		if r.continueFn != nil {
			if err := r.continueFn(); err != nil {
				return err
			}
		}
	}

	buf := bytes.NewBuffer(r.Message.Body())
	_, err := readChunks(r.br, buf)
	r.Message.SetBody(buf.Bytes())

	if err != nil {
		return err
	}

	r.bodyDone = true

	return nil
}

// Discard consumes whatever the client is still going to send for this request so the
// connection can carry the next one. A previewed body the server did not continue is
// never sent, so nothing is left to read in that case.
func (r *Request) Discard() error {
	if r.bodyDone || !r.hasBody {
		return nil
	}

	if r.Preview >= 0 {
		if r.previewDone {
			return nil
		}

		r.previewDone = true
		_, err := readChunks(r.br, io.Discard)

		return err
	}

	r.bodyDone = true
	_, err := readChunks(r.br, io.Discard)

	return err
}
