package api

import (
	"encoding/json"
	"net/http"

	"github.com/kalambet/docuquery/internal/query"
)

const maxRequestBodySize = 1 << 20

func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	req := query.Request{IncludeSources: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, r, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.AnswerQuestion(r.Context(), req)
	if err != nil {
		h.logger.Error("query failed", "error", err)
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query      string `json:"query"`
	Limit      int    `json:"limit"`
	DocumentID string `json:"document_id"`
}

// search returns matching chunks without generating an answer.
func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, r, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
		return
	}

	sources, err := h.svc.Search(r.Context(), req.Query, req.Limit, req.DocumentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": sources})
}
