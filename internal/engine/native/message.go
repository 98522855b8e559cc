package native

import (
	"strings"
	"sync"

	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/script"
)

// httpMessage implements HttpMessage over the private message copy of one invocation.
type httpMessage struct {
	mu sync.Mutex

	env   *script.Env
	msg   *message.Message
	body  string
	trace []string
}

var _ HttpMessage = (*httpMessage)(nil)

func newHTTPMessage(env *script.Env) *httpMessage {
	return &httpMessage{
		env:  env,
		msg:  env.Message,
		body: env.Body,
	}
}

func (m *httpMessage) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.msg.URL
}

// SetURL only applies to request modification.
func (m *httpMessage) SetURL(raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.msg.Mode != message.ModeReqmod {
		return nil
	}

	return m.msg.SetURL(raw)
}

func (m *httpMessage) Method() string { return m.msg.Method }
func (m *httpMessage) Type() string   { return m.msg.Mode.String() }

func (m *httpMessage) StatusCode() int { return m.msg.StatusCode }

func (m *httpMessage) RequestHeaders() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.msg.RequestHeader.String()
}

func (m *httpMessage) ResponseHeaders() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.msg.ResponseHeader.String()
}

func (m *httpMessage) RequestHeader(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.msg.RequestHeader.Get(name)
}

func (m *httpMessage) ResponseHeader(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.msg.ResponseHeader.Get(name)
}

// AddHeader and the other header edits work on the header block the mode adapts.
func (m *httpMessage) AddHeader(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.msg.Header().Add(name, value)
}

func (m *httpMessage) DeleteHeader(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.msg.Header().Del(name)
}

func (m *httpMessage) RewriteHeader(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.msg.Header().Set(name, value)
}

func (m *httpMessage) SetHeaders(raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.msg.Header().Replace(raw)
}

func (m *httpMessage) Body() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.body
}

func (m *httpMessage) SetBody(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.body = body
}

func (m *httpMessage) Username() string  { return m.env.UserID }
func (m *httpMessage) Usergroup() string { return m.env.UserGroup }

func (m *httpMessage) CacheGet(key string) (any, bool) {
	if m.env.Cache == nil {
		return nil, false
	}

	return m.env.Cache.Get(key)
}

func (m *httpMessage) CachePut(key string, value any) {
	if m.env.Cache != nil {
		m.env.Cache.Put(key, value)
	}
}

func (m *httpMessage) CacheDelete(key string) {
	if m.env.Cache != nil {
		m.env.Cache.Delete(key)
	}
}

func (m *httpMessage) Debug(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trace = append(m.trace, strings.TrimRight(msg, "\n"))
}

func (m *httpMessage) result() *script.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &script.Result{
		Body:   m.body,
		Header: m.msg.Header().String(),
		Trace:  m.trace,
	}
}
