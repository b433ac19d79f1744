package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/therapy"
)

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req therapy.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.therapy.StartSession(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	sessions, err := s.therapy.Sessions(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req therapy.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.SessionID = chi.URLParam(r, "sessionID")

	resp, err := s.therapy.Chat(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.therapy.Transcript(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.therapy.EndSession(r.Context(), req.UserID, chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecordCheckIn(w http.ResponseWriter, r *http.Request) {
	var req therapy.CheckInRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.therapy.RecordCheckIn(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, res)
}

func (s *Server) handleListCheckIns(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	checkins, err := s.therapy.CheckIns(r.Context(), r.URL.Query().Get("user_id"), days)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, checkins)
}

// handleTodayCheckIn answers null when there is no check-in for today yet
func (s *Server) handleTodayCheckIn(w http.ResponseWriter, r *http.Request) {
	c, err := s.therapy.TodayCheckIn(r.Context(), r.URL.Query().Get("user_id"))
	if errors.Is(err, core.ErrCheckInMissing) {
		s.respondJSON(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleMoodStats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	points, err := s.therapy.MoodStats(r.Context(), r.URL.Query().Get("user_id"), days)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, points)
}
