package message

import (
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

type Mode int

const (
	ModeUnknown Mode = iota
	ModeReqmod
	ModeRespmod
)

func (m Mode) String() string {
	switch m {
	case ModeReqmod:
		return "REQMOD"
	case ModeRespmod:
		return "RESPMOD"
	default:
		return "UNKNOWN"
	}
}

// ParseMode maps an ICAP method to a mode.
func ParseMode(method string) Mode {
	switch strings.ToUpper(method) {
	case "REQMOD":
		return ModeReqmod
	case "RESPMOD":
		return ModeRespmod
	default:
		return ModeUnknown
	}
}

// Message is one encapsulated HTTP exchange travelling through the service.
// REQMOD works on the request body, RESPMOD on the response body.
type Message struct {
	Mode Mode

	RequestHeader  Header
	ResponseHeader Header
	RequestBody    []byte
	ResponseBody   []byte

	URL        string
	Method     string
	StatusCode int

	// ICAPHeader holds the ICAP-level fields, client identity among them.
	ICAPHeader textproto.MIMEHeader
	KeepAlive  bool
}

func New(mode Mode) *Message {
	return &Message{
		Mode:       mode,
		ICAPHeader: make(textproto.MIMEHeader),
		KeepAlive:  true,
	}
}

// Header returns the header block the mode adapts.
func (m *Message) Header() *Header {
	if m.Mode == ModeRespmod {
		return &m.ResponseHeader
	}

	return &m.RequestHeader
}

// Body returns the active body.
func (m *Message) Body() []byte {
	if m.Mode == ModeRespmod {
		return m.ResponseBody
	}

	return m.RequestBody
}

func (m *Message) SetBody(b []byte) {
	if m.Mode == ModeRespmod {
		m.ResponseBody = b
		return
	}

	m.RequestBody = b
}

// ResponseShaped reports whether a REQMOD request header was turned into a response,
// i.e. it starts with a status line.
func (m *Message) ResponseShaped() bool {
	return m.Mode == ModeReqmod && strings.HasPrefix(m.RequestHeader.FirstLine(), "HTTP/")
}

// ParseRequestLine fills Method and URL from the request header. Origin-form targets are
// resolved against the Host field.
func (m *Message) ParseRequestLine() {
	parts := strings.Fields(m.RequestHeader.FirstLine())
	if len(parts) < 2 { //nolint:mnd // method and target
		return
	}

	m.Method = strings.ToUpper(parts[0])
	m.URL = resolveTarget(parts[1], m.RequestHeader.Get("Host"), m.Method)
}

// ParseStatusLine fills StatusCode from the response header. Unparsable lines leave it at 0.
func (m *Message) ParseStatusLine() {
	parts := strings.Fields(m.ResponseHeader.FirstLine())
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") { //nolint:mnd // proto and code
		return
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}

	m.StatusCode = code
}

// SetURL rewrites the request target. Absolute-form targets stay absolute; origin-form
// targets get the new path and the Host field follows the new authority.
func (m *Message) SetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	parts := strings.Fields(m.RequestHeader.FirstLine())
	if len(parts) < 3 { //nolint:mnd // method, target, proto
		return nil
	}

	target := u.RequestURI()
	if strings.Contains(parts[1], "://") {
		target = u.String()
	}

	m.RequestHeader.SetFirstLine(parts[0] + " " + target + " " + parts[2])

	if u.Host != "" {
		m.RequestHeader.Set("Host", u.Host)
	}

	m.URL = u.String()

	return nil
}

// Clone returns a deep copy, used to keep scripts from mutating a message before they succeed.
func (m *Message) Clone() *Message {
	c := *m
	c.RequestHeader = m.RequestHeader.Clone()
	c.ResponseHeader = m.ResponseHeader.Clone()
	c.RequestBody = append([]byte(nil), m.RequestBody...)
	c.ResponseBody = append([]byte(nil), m.ResponseBody...)

	c.ICAPHeader = make(textproto.MIMEHeader, len(m.ICAPHeader))
	for k, v := range m.ICAPHeader {
		c.ICAPHeader[k] = append([]string(nil), v...)
	}

	return &c
}

func resolveTarget(target, host, method string) string {
	if strings.Contains(target, "://") {
		return target
	}

	if method == "CONNECT" {
		return "https://" + target
	}

	if host == "" {
		return target
	}

	return "http://" + host + target
}
