package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docuquery/internal/document"
	"github.com/kalambet/docuquery/internal/ingest"
)

// Uploads arrive base64 encoded inside JSON, so the limit is well above the
// largest accepted document.
const maxUploadBodySize = 50 << 20

func (h *handlers) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
	defer r.Body.Close()

	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, r, http.StatusRequestEntityTooLarge, "validation_error", "request body too large")
			return
		}
		httpError(w, r, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
		return
	}
	if t, ok := document.ParseType(string(req.FileType)); ok {
		req.FileType = t
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		res := h.svc.EnqueueDocument(r.Context(), req)
		status := http.StatusAccepted
		if res.Status == document.StatusFailed {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, res)
		return
	}

	writeJSON(w, http.StatusOK, h.svc.IngestDocument(r.Context(), req))
}

func (h *handlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20, 100)
	offset := parseIntParam(r, "offset", 0, 0)

	page, err := h.svc.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handlers) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *handlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.DeleteDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Document deleted successfully",
		"deleted_chunks": n,
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CollectionStats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
