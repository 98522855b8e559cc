package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const settleDelay = 200 * time.Millisecond

// Watch reloads changed scripts on directory events and, when PollInterval is set, on a
// timer as well. Events arriving in a burst trigger one reload. It returns when ctx ends.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot create watcher: %w", err)
	}
	defer w.Close()

	if err = w.Add(r.opts.Dir); err != nil {
		return fmt.Errorf("cannot watch %s: %w", r.opts.Dir, err)
	}

	var poll <-chan time.Time

	if r.opts.PollInterval > 0 {
		ticker := time.NewTicker(r.opts.PollInterval)
		defer ticker.Stop()

		poll = ticker.C
	}

	settle := time.NewTimer(settleDelay)
	settle.Stop()

	defer settle.Stop()

	reload := func(reason string) {
		if rerr := r.ReloadChanged(ctx); rerr != nil {
			r.log.Error("reload failed", zap.String("reason", reason), zap.Error(rerr))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				r.log.Debug("scripts directory changed", zap.String("event", ev.String()))
				settle.Reset(settleDelay)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}

			r.log.Warn("watcher error", zap.Error(werr))
		case <-settle.C:
			reload("change")
		case <-poll:
			reload("poll")
		}
	}
}
