package icap

import "context"

// Handler answers one parsed request. It must leave a response in w.
type Handler interface {
	ServeICAP(ctx context.Context, w *ResponseWriter, req *Request)
}

type HandlerFunc func(ctx context.Context, w *ResponseWriter, req *Request)

func (f HandlerFunc) ServeICAP(ctx context.Context, w *ResponseWriter, req *Request) {
	f(ctx, w, req)
}

type connIDKey struct{}

// WithConnID tags ctx with the id of the connection a request arrived on.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID returns the connection id set by WithConnID, or "".
func ConnID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
