package icap

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/starwalkn/ladle/internal/message"
)

// ResponseWriter serializes responses for one request on a buffered connection writer.
// Every response carries the ISTag and a Connection header.
type ResponseWriter struct {
	w         *bufio.Writer
	istag     string
	server    string
	keepAlive bool

	status int
}

func NewResponseWriter(w *bufio.Writer, istag, server string, keepAlive bool) *ResponseWriter {
	return &ResponseWriter{
		w:         w,
		istag:     quote(istag),
		server:    server,
		keepAlive: keepAlive,
	}
}

// Status is the status of the final response, 0 while nothing was written.
func (rw *ResponseWriter) Status() int     { return rw.status }
func (rw *ResponseWriter) Written() bool   { return rw.status != 0 }
func (rw *ResponseWriter) KeepAlive() bool { return rw.keepAlive }

// CloseAfter marks the connection to be closed once the response is written.
func (rw *ResponseWriter) CloseAfter() {
	rw.keepAlive = false
}

// WriteContinue asks the client for the rest of a previewed body.
func (rw *ResponseWriter) WriteContinue() error {
	if _, err := fmt.Fprintf(rw.w, "%s %d %s\r\n\r\n", Version, StatusContinue, StatusText(StatusContinue)); err != nil {
		return err
	}

	return rw.w.Flush()
}

// WriteNoContent tells the client to use its own copy of the message.
func (rw *ResponseWriter) WriteNoContent() error {
	return rw.writeHead(StatusNoContent, "null-body=0", nil)
}

// WriteError writes a bodiless error response.
func (rw *ResponseWriter) WriteError(status int) error {
	return rw.writeHead(status, "null-body=0", nil)
}

// WriteMessage writes msg as a 200 response: the adapted header block followed by the
// body in a single chunk.
func (rw *ResponseWriter) WriteMessage(msg *message.Message) error {
	hdrTag, bodyTag := "req-hdr", "req-body"

	hdr := &msg.RequestHeader
	if msg.Mode == message.ModeRespmod {
		hdr = &msg.ResponseHeader
	}

	if msg.Mode == message.ModeRespmod || msg.ResponseShaped() {
		hdrTag, bodyTag = "res-hdr", "res-body"
	}

	body := msg.Body()
	if len(body) == 0 {
		bodyTag = "null-body"
	}

	enc := fmt.Sprintf("%s=%d", bodyTag, hdr.Len())
	if !hdr.IsEmpty() {
		enc = fmt.Sprintf("%s=0, %s=%d", hdrTag, bodyTag, hdr.Len())
	}

	if err := rw.writeHead(StatusOK, enc, nil); err != nil {
		return err
	}

	if _, err := rw.w.Write(hdr.Bytes()); err != nil {
		return err
	}

	return writeChunked(rw.w, body)
}

// Options is the service description returned for OPTIONS requests.
type Options struct {
	Methods         []string
	Service         string
	ServiceID       string
	TTL             int
	MaxConnections  int
	Preview         int // negative disables previews
	TransferPreview string
	Include         []string
}

func (rw *ResponseWriter) WriteOptions(o Options) error {
	fields := [][2]string{
		{"Methods", strings.Join(o.Methods, ", ")},
		{"Service", o.Service},
	}

	if o.ServiceID != "" {
		fields = append(fields, [2]string{"Service-ID", o.ServiceID})
	}

	fields = append(fields,
		[2]string{"Options-TTL", strconv.Itoa(o.TTL)},
		[2]string{"Max-Connections", strconv.Itoa(o.MaxConnections)},
		[2]string{"Allow", "204"},
	)

	if o.Preview >= 0 {
		fields = append(fields, [2]string{"Preview", strconv.Itoa(o.Preview)})
	}

	if o.TransferPreview != "" {
		fields = append(fields, [2]string{"Transfer-Preview", o.TransferPreview})
	}

	if len(o.Include) > 0 {
		fields = append(fields, [2]string{"X-Include", strings.Join(o.Include, ", ")})
	}

	return rw.writeHead(StatusOK, "null-body=0", fields)
}

func (rw *ResponseWriter) writeHead(status int, encapsulated string, fields [][2]string) error {
	rw.status = status

	connection := "keep-alive"
	if !rw.keepAlive {
		connection = "close"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%s %d %s\r\n", Version, status, StatusText(status))
	fmt.Fprintf(&b, "ISTag: %s\r\n", rw.istag)

	if rw.server != "" {
		fmt.Fprintf(&b, "Server: %s\r\n", rw.server)
	}

	for _, f := range fields {
		fmt.Fprintf(&b, "%s: %s\r\n", f[0], f[1])
	}

	fmt.Fprintf(&b, "Encapsulated: %s\r\n", encapsulated)
	fmt.Fprintf(&b, "Connection: %s\r\n\r\n", connection)

	_, err := rw.w.WriteString(b.String())

	return err
}

func quote(s string) string {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) > 1 {
		return s
	}

	return strconv.Quote(s)
}
