package ladle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/sandbox"
	"github.com/starwalkn/ladle/internal/script"
)

// applyScripts runs scripts in order, each one on the text the previous one produced.
// A failed script leaves the text as it was; with bypass on error off it aborts the
// chain with ErrChainAborted. Scripts disabled while the chain runs are skipped.
func (s *Service) applyScripts(ctx context.Context, scripts []*script.Descriptor, msg *message.Message, text string, tx *transaction) (string, error) {
	for _, d := range scripts {
		start := time.Now()

		res, err := s.sandbox.Invoke(ctx, d, msg, text)
		elapsed := time.Since(start)

		if err == nil {
			text = res.Body
			tx.ran(d.Name, elapsed, false)

			continue
		}

		var serr *sandbox.Error
		if errors.As(err, &serr) && !serr.Counted() {
			if serr.Kind == sandbox.KindCanceled {
				return text, err
			}

			s.log.Debug("script skipped", zap.String("script", d.Name), zap.String("kind", string(serr.Kind)))
			tx.note(d.Name + " skipped: " + string(serr.Kind))

			continue
		}

		tx.ran(d.Name, elapsed, true)

		if !s.cfg.Scripts.BypassOnError {
			return text, fmt.Errorf("%w: %w", ErrChainAborted, err)
		}
	}

	return text, nil
}
