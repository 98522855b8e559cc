package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/registry"
	"github.com/starwalkn/ladle/internal/script"
)

type handlers struct {
	scripts Scripts
	cache   Cache
	log     *zap.Logger
}

type scriptList struct {
	ISTag    string          `json:"istag"`
	LoadedAt string          `json:"loaded_at"`
	Request  []script.Status `json:"request"`
	Response []script.Status `json:"response"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"istag":  h.scripts.ISTag(),
	})
}

func (h *handlers) listScripts(w http.ResponseWriter, _ *http.Request) {
	snap := h.scripts.Snapshot()

	out := scriptList{
		ISTag:    snap.Generation.String(),
		LoadedAt: snap.LoadedAt.UTC().Format(time.RFC3339),
		Request:  statuses(snap.Request),
		Response: statuses(snap.Response),
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getScript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	for _, d := range h.scripts.Snapshot().All() {
		if d.Name == name {
			writeJSON(w, http.StatusOK, d.Status())
			return
		}
	}

	writeError(w, http.StatusNotFound, "script not found: "+name)
}

func (h *handlers) reload(w http.ResponseWriter, r *http.Request) {
	if err := h.scripts.ReloadChanged(r.Context()); err != nil {
		h.log.Warn("reload requested by operator failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	h.log.Info("scripts reloaded by operator", zap.String("istag", h.scripts.ISTag()))

	writeJSON(w, http.StatusOK, map[string]string{"istag": h.scripts.ISTag()})
}

func (h *handlers) switchScript(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		if err := h.scripts.SetEnabled(name, enabled); err != nil {
			writeRegistryError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) orderScript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil || order < 0 {
		writeError(w, http.StatusBadRequest, "order must be a non-negative integer")
		return
	}

	if err = h.scripts.SetOrder(name, order); err != nil {
		writeRegistryError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"size": h.cache.Len(),
		"keys": h.cache.Keys(),
	})
}

func (h *handlers) flushCache(w http.ResponseWriter, _ *http.Request) {
	n := h.cache.Flush()

	h.log.Info("shared cache flushed", zap.Int("entries", n))

	writeJSON(w, http.StatusOK, map[string]int{"flushed": n})
}

func (h *handlers) deleteCache(w http.ResponseWriter, r *http.Request) {
	h.cache.Delete(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}

func statuses(ds []*script.Descriptor) []script.Status {
	out := make([]script.Status, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Status())
	}

	return out
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
