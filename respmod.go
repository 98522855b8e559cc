package ladle

import (
	"context"

	"github.com/starwalkn/ladle/internal/content"
	"github.com/starwalkn/ladle/internal/icap"
	"github.com/starwalkn/ladle/internal/message"
)

// respmod adapts an HTTP response.
//
//nolint:gocognit,funlen // sequential pipeline
func (s *Service) respmod(ctx context.Context, w *icap.ResponseWriter, req *icap.Request, tx *transaction) error {
	msg := req.Message
	cc := s.cfg.Content

	declared := msg.ResponseHeader.Get("Content-Type")

	mediaType := content.MediaType(declared)
	if declared == "" {
		mediaType = content.DefaultTextType
		if req.HasBody() {
			mediaType = content.DefaultBinaryType
		}
	}

	tx.contentType = mediaType
	tx.class = s.classOf(mediaType)

	if !content.Matches(cc.Supported, mediaType) {
		tx.note("unsupported mime-type")
		return unmodified(w, req)
	}

	scripts, release := s.registry.Applicable(message.ModeRespmod, msg.URL, msg.StatusCode)
	defer release()

	if len(scripts) == 0 {
		tx.note("no matching scripts")
		return unmodified(w, req)
	}

	coding, err := content.ParseEncoding(msg.ResponseHeader.Get("Content-Encoding"))
	if err != nil {
		tx.note(err.Error())
		return unmodified(w, req)
	}

	var sniffed string

	if cc.Sniff && coding == content.Identity && req.Preview > 0 {
		if err = req.ReadPreview(); err != nil {
			return err
		}

		if preview := msg.Body(); len(preview) > 0 {
			sniffed = content.Sniff(preview)
			if !s.sniffAccepted(mediaType, sniffed, tx) {
				return unmodified(w, req)
			}
		}
	}

	if err = req.ReadBody(); err != nil {
		return err
	}

	original := msg.Body()

	raw := original
	if coding != content.Identity {
		if raw, err = content.Decompress(coding, original); err != nil {
			tx.note(err.Error())
			return unmodified(w, req)
		}
	}

	if sniffed == "" && cc.Sniff && len(raw) > 0 {
		sniffed = content.Sniff(raw)
		if !s.sniffAccepted(mediaType, sniffed, tx) {
			return unmodified(w, req)
		}
	}

	decodeAs := declared
	if declared == "" || content.Matches(cc.Image, mediaType) {
		decodeAs = mediaType
	}

	text, charsetName, err := content.Decode(raw, decodeAs)
	if err != nil {
		tx.note("unknown encoding")
		return unmodified(w, req)
	}

	before := content.Sum(text)
	headerBefore := msg.ResponseHeader.String()

	out, err := s.applyScripts(ctx, scripts, msg, text, tx)
	if err != nil {
		return err
	}

	if !content.Changed(before, out) {
		if msg.ResponseHeader.String() == headerBefore {
			return unmodified(w, req)
		}

		// header edits only: the body goes out bit for bit
		return w.WriteMessage(msg)
	}

	body, err := s.encodeResponse(msg, out, declared, charsetName, tx)
	if err != nil {
		return err
	}

	switch {
	case coding != content.Identity:
		if body, err = content.Compress(coding, body); err != nil {
			return err
		}
	case cc.Compress && content.Matches(cc.Compressible, mediaType):
		if offer := content.Negotiate(msg.RequestHeader.Get("Accept-Encoding")); offer != content.Identity {
			if body, err = content.Compress(offer, body); err != nil {
				return err
			}

			msg.ResponseHeader.Set("Content-Encoding", string(offer))
			tx.note("compressed:" + string(offer))
		}
	}

	setLength(&msg.ResponseHeader, len(body))
	msg.SetBody(body)

	return w.WriteMessage(msg)
}

// encodeResponse turns the adapted text back into bytes. Text goes out as UTF-8 with the
// Content-Type charset rewritten, unless a script declared another charset; bodies
// decoded byte for byte keep that form.
func (s *Service) encodeResponse(msg *message.Message, text, declared, decodedWith string, tx *transaction) ([]byte, error) {
	ct := msg.ResponseHeader.Get("Content-Type")

	if decodedWith == content.Binary && !content.IsText(content.MediaType(ct)) {
		return content.Encode(text, content.Binary)
	}

	if name := content.DeclaredCharset(ct); name != "" && name != content.DeclaredCharset(declared) {
		if body, err := content.Encode(text, name); err == nil {
			tx.note("charset:" + name)
			return body, nil
		}
	}

	if ct != "" {
		msg.ResponseHeader.Set("Content-Type", content.SetCharset(ct, "utf-8"))
	}

	return content.Encode(text, "utf-8")
}

// sniffAccepted re-applies the supported gate when the body looks different from what
// the header declares.
func (s *Service) sniffAccepted(declared, sniffed string, tx *transaction) bool {
	if !content.Disagrees(declared, sniffed) {
		return true
	}

	if content.Matches(s.cfg.Content.Supported, sniffed) {
		return true
	}

	tx.note("mimemagic<>" + sniffed + " unsupported mime-type")

	return false
}

func (s *Service) classOf(mediaType string) string {
	cc := s.cfg.Content

	switch {
	case content.Matches(cc.HTML, mediaType):
		return "html"
	case content.Matches(cc.CSS, mediaType):
		return "css"
	case content.Matches(cc.JavaScript, mediaType):
		return "javascript"
	case content.Matches(cc.Image, mediaType):
		return "image"
	default:
		return "other"
	}
}
