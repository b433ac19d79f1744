package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/storage"
	"github.com/serenity/serenity/internal/therapy"
)

// queryTime parses an optional RFC 3339 query parameter
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", core.ErrInvalidInput, key)
	}
	return &t, nil
}

func healthFilter(r *http.Request) (storage.HealthFilter, error) {
	q := r.URL.Query()
	f := storage.HealthFilter{DataType: q.Get("type"), Source: q.Get("source")}

	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", 100); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleRecordHealthData(w http.ResponseWriter, r *http.Request) {
	var req therapy.HealthDataRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.therapy.RecordHealthData(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListHealthData(w http.ResponseWriter, r *http.Request) {
	f, err := healthFilter(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	records, err := s.therapy.HealthData(r.Context(), r.URL.Query().Get("user_id"), f)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if records == nil {
		records = []*core.HealthRecord{}
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealthDataTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.therapy.HealthDataTypes(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, types)
}

func (s *Server) handleHealthDataSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.therapy.HealthDataSources(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sources)
}

func (s *Server) handleGetHealthData(w http.ResponseWriter, r *http.Request) {
	rec, err := s.therapy.HealthRecord(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "recordID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateHealthData(w http.ResponseWriter, r *http.Request) {
	var req therapy.HealthDataUpdate
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.therapy.UpdateHealthData(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "recordID"), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteHealthData(w http.ResponseWriter, r *http.Request) {
	rec, err := s.therapy.DeleteHealthData(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "recordID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"deleted": rec.ID})
}
