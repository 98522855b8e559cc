package ladle

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/icap"
	"github.com/starwalkn/ladle/internal/message"
)

// transaction collects what happened to one request for the access log.
type transaction struct {
	mode        message.Mode
	connID      string
	url         string
	contentType string
	class       string
	scripts     []string
	notes       []string
}

func (tx *transaction) note(s string) {
	tx.notes = append(tx.notes, s)
}

func (tx *transaction) ran(name string, elapsed time.Duration, failed bool) {
	entry := name + ":" + strconv.FormatInt(elapsed.Milliseconds(), 10)
	if failed {
		entry = name + ":ERROR:" + strconv.FormatInt(elapsed.Milliseconds(), 10)
	}

	tx.scripts = append(tx.scripts, entry)
}

func (tx *transaction) log(log *zap.Logger, status int, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("mode", tx.mode.String()),
		zap.Int("status", status),
		zap.String("url", tx.url),
		zap.Duration("duration", elapsed),
	}

	if tx.connID != "" {
		fields = append(fields, zap.String("conn_id", tx.connID))
	}

	if tx.contentType != "" {
		fields = append(fields, zap.String("content_type", tx.contentType), zap.String("class", tx.class))
	}

	if len(tx.scripts) > 0 {
		fields = append(fields, zap.Strings("scripts", tx.scripts))
	}

	if len(tx.notes) > 0 {
		fields = append(fields, zap.Strings("notes", tx.notes))
	}

	log.Info("icap request", fields...)
}

// unmodified tells the client its message stays as it is: 204 when allowed, or when the
// rest of a previewed body was never requested; otherwise the message is echoed with
// whatever body it arrived with.
func unmodified(w *icap.ResponseWriter, req *icap.Request) error {
	if req.Allow204 || (req.Preview >= 0 && !req.BodyComplete()) {
		return w.WriteNoContent()
	}

	if err := req.ReadBody(); err != nil {
		return err
	}

	return w.WriteMessage(req.Message)
}

// setLength keeps the Content-Length field in line with the adapted body. Chunked HTTP
// messages without the field are left alone.
func setLength(h *message.Header, n int) {
	if _, ok := h.Lookup("Content-Length"); ok || h.Get("Transfer-Encoding") == "" {
		h.Set("Content-Length", strconv.Itoa(n))
	}
}
