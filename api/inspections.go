package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iv-ingestion/ingest/store"
)

// listInspections pages the caller's inspections, newest first.
func (s *Server) listInspections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	insps, total, err := s.deps.Store.ListInspections(r.Context(), store.InspectionFilter{
		Tenant: callerIdentity(r),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"inspections": insps,
		"total":       total,
	})
}

func (s *Server) getInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := s.deps.Store.GetInspection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, insp)
}
