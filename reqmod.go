package ladle

import (
	"context"

	"github.com/starwalkn/ladle/internal/content"
	"github.com/starwalkn/ladle/internal/icap"
	"github.com/starwalkn/ladle/internal/message"
)

// reqmod adapts an HTTP request. Scripts may also turn it into a response by writing a
// status line into the request header.
func (s *Service) reqmod(ctx context.Context, w *icap.ResponseWriter, req *icap.Request, tx *transaction) error {
	msg := req.Message

	scripts, release := s.registry.Applicable(message.ModeReqmod, msg.URL, 0)
	defer release()

	if len(scripts) == 0 {
		tx.note("no scripts to apply")
		return unmodified(w, req)
	}

	if err := req.ReadBody(); err != nil {
		return err
	}

	coding, err := content.ParseEncoding(msg.RequestHeader.Get("Content-Encoding"))
	if err != nil {
		tx.note(err.Error())
		return unmodified(w, req)
	}

	original := msg.Body()

	raw := original
	if coding != content.Identity && len(original) > 0 {
		if raw, err = content.Decompress(coding, original); err != nil {
			tx.note(err.Error())
			return unmodified(w, req)
		}
	}

	declared := msg.RequestHeader.Get("Content-Type")
	if declared != "" {
		tx.contentType = content.MediaType(declared)
		tx.class = s.classOf(tx.contentType)
	}

	decodeAs := declared
	if decodeAs == "" {
		decodeAs = "text/plain; charset=utf-8"
	}

	text, charsetName, err := content.Decode(raw, decodeAs)
	if err != nil {
		// bodies that are not valid text travel byte for byte
		text, charsetName, _ = content.Decode(raw, content.DefaultBinaryType)
	}

	before := content.Sum(text)
	headerBefore := msg.RequestHeader.String()

	out, err := s.applyScripts(ctx, scripts, msg, text, tx)
	if err != nil {
		return err
	}

	if !content.Changed(before, out) {
		if msg.RequestHeader.String() == headerBefore {
			return unmodified(w, req)
		}

		return w.WriteMessage(msg)
	}

	if name := content.DeclaredCharset(msg.RequestHeader.Get("Content-Type")); name != "" && name != content.DeclaredCharset(declared) {
		charsetName = name
	}

	body, err := content.Encode(out, charsetName)
	if err != nil {
		return err
	}

	if coding != content.Identity && len(body) > 0 {
		if body, err = content.Compress(coding, body); err != nil {
			return err
		}
	}

	if len(body) == 0 {
		body = nil
	}

	setLength(&msg.RequestHeader, len(body))
	msg.SetBody(body)

	return w.WriteMessage(msg)
}
