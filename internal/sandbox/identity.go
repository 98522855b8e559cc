package sandbox

import (
	"strings"

	"github.com/starwalkn/ladle/internal/message"
)

const (
	HeaderAuthenticatedUser   = "X-Authenticated-User"
	HeaderAuthenticatedGroups = "X-Authenticated-Groups"
)

// Identity names the headers the client identity falls back to when the proxy does not
// send the ICAP authentication headers.
type Identity struct {
	UserHeader  string `json:"user_header" yaml:"user_header" toml:"user_header"`
	GroupHeader string `json:"group_header" yaml:"group_header" toml:"group_header"`
}

// User resolves the user id: the ICAP authenticated user, then the fallback header on
// the ICAP request, the HTTP request and the HTTP response.
func (id Identity) User(m *message.Message) string {
	if v := m.ICAPHeader.Get(HeaderAuthenticatedUser); v != "" {
		return shortName(v)
	}

	if id.UserHeader == "" {
		return ""
	}

	if v := m.ICAPHeader.Get(id.UserHeader); v != "" {
		return v
	}

	return httpFallback(m, id.UserHeader)
}

// Group resolves the user group the same way, without the ICAP-level fallback.
func (id Identity) Group(m *message.Message) string {
	if v := m.ICAPHeader.Get(HeaderAuthenticatedGroups); v != "" {
		return shortName(v)
	}

	if id.GroupHeader == "" {
		return ""
	}

	return httpFallback(m, id.GroupHeader)
}

func httpFallback(m *message.Message, name string) string {
	if v := m.RequestHeader.Get(name); v != "" {
		return v
	}

	return m.ResponseHeader.Get(name)
}

// shortName reduces an LDAP distinguished name to its cn value and a
// scheme://DOMAIN/user value to the user part.
func shortName(v string) string {
	v = strings.TrimSpace(v)

	if strings.Contains(v, "://") {
		return v[strings.LastIndexByte(v, '/')+1:]
	}

	if !strings.Contains(v, "=") {
		return v
	}

	for _, rdn := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(rdn), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "cn") {
			return strings.TrimSpace(val)
		}
	}

	return v
}
