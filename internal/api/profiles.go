package api

import (
	"cmp"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
)

// saveResponse reports the persistence outcome of a profile change
type saveResponse struct {
	Outcome string `json:"outcome"`
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, fn func(*profile.Profile) error) {
	outcome, err := s.engine.Mutate(r.Context(), chi.URLParam(r, "userID"), fn)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, saveResponse{Outcome: outcome.String()})
}

func (s *Server) respondOutcome(w http.ResponseWriter, r *http.Request, outcome storage.SaveOutcome, err error) {
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, saveResponse{Outcome: outcome.String()})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetUserProfile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p.Record())
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	pc, err := s.engine.GeneratePersonalizationContext(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, pc)
}

// handleMapPatch serves the three shallow-merge updates
func (s *Server) handleMapPatch(apply func(*profile.Profile, map[string]any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		if !s.decode(w, r, &patch) {
			return
		}
		s.mutate(w, r, func(p *profile.Profile) error {
			apply(p, patch)
			return nil
		})
	}
}

func (s *Server) handleUpdateDemographics(w http.ResponseWriter, r *http.Request) {
	s.handleMapPatch((*profile.Profile).UpdateDemographicData)(w, r)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	s.handleMapPatch((*profile.Profile).UpdatePreferences)(w, r)
}

func (s *Server) handleUpdateCommunicationStyle(w http.ResponseWriter, r *http.Request) {
	s.handleMapPatch((*profile.Profile).UpdateCommunicationStyle)(w, r)
}

func (s *Server) handleAddGoal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal     string `json:"goal"`
		Priority *int   `json:"priority"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Goal == "" {
		s.respondErr(w, r, fmt.Errorf("%w: goal", core.ErrMissingRequired))
		return
	}
	priority := profile.DefaultGoalPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	s.mutate(w, r, func(p *profile.Profile) error {
		p.AddTherapyGoal(req.Goal, priority)
		return nil
	})
}

func (s *Server) handleSetGoalStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status profile.GoalStatus `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	switch req.Status {
	case profile.GoalActive, profile.GoalCompleted, profile.GoalPaused:
	default:
		s.respondErr(w, r, fmt.Errorf("%w: unknown goal status %q", core.ErrInvalidInput, req.Status))
		return
	}

	goal := chi.URLParam(r, "goal")
	s.mutate(w, r, func(p *profile.Profile) error {
		if !p.SetGoalStatus(goal, req.Status) {
			return fmt.Errorf("%w: goal %q", core.ErrRecordNotFound, goal)
		}
		return nil
	})
}

func (s *Server) handleAddMood(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score *int    `json:"score"`
		Notes *string `json:"notes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Score == nil {
		s.respondErr(w, r, fmt.Errorf("%w: score", core.ErrMissingRequired))
		return
	}
	s.mutate(w, r, func(p *profile.Profile) error {
		p.AddMoodData(*req.Score, req.Notes)
		return nil
	})
}

func (s *Server) handleAddTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic    string `json:"topic"`
		Severity *int   `json:"severity"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Topic == "" {
		s.respondErr(w, r, fmt.Errorf("%w: topic", core.ErrMissingRequired))
		return
	}
	severity := profile.DefaultSeverity
	if req.Severity != nil {
		severity = *req.Severity
	}
	s.mutate(w, r, func(p *profile.Profile) error {
		p.AddTriggerTopic(req.Topic, severity)
		return nil
	})
}

func (s *Server) handleAddCopingStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy      string `json:"strategy"`
		Effectiveness *int   `json:"effectiveness"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Strategy == "" {
		s.respondErr(w, r, fmt.Errorf("%w: strategy", core.ErrMissingRequired))
		return
	}
	effectiveness := profile.DefaultEffectiveness
	if req.Effectiveness != nil {
		effectiveness = *req.Effectiveness
	}
	s.mutate(w, r, func(p *profile.Profile) error {
		p.AddCopingStrategy(req.Strategy, effectiveness)
		return nil
	})
}

func (s *Server) handleSetTopicInterest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level *float64 `json:"level"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Level == nil {
		s.respondErr(w, r, fmt.Errorf("%w: level", core.ErrMissingRequired))
		return
	}
	topic := chi.URLParam(r, "topic")
	s.mutate(w, r, func(p *profile.Profile) error {
		p.UpdateTopicInterest(topic, *req.Level)
		return nil
	})
}

func (s *Server) handleSetTherapyApproach(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating *float64 `json:"rating"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Rating == nil {
		s.respondErr(w, r, fmt.Errorf("%w: rating", core.ErrMissingRequired))
		return
	}
	approach := chi.URLParam(r, "approach")
	s.mutate(w, r, func(p *profile.Profile) error {
		p.SetTherapyApproach(approach, *req.Rating)
		return nil
	})
}

func (s *Server) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var req profile.PermissionUpdate
	if !s.decode(w, r, &req) {
		return
	}
	s.mutate(w, r, func(p *profile.Profile) error {
		return p.UpdateDataPermissions(req)
	})
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Consent *bool `json:"consent"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Consent == nil {
		s.respondErr(w, r, fmt.Errorf("%w: consent", core.ErrMissingRequired))
		return
	}
	outcome, err := s.engine.HandleConsentUpdate(r.Context(), chi.URLParam(r, "userID"), *req.Consent)
	s.respondOutcome(w, r, outcome, err)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var data personalization.SessionData
	if !s.decode(w, r, &data) {
		return
	}
	outcome, err := s.engine.UpdateProfileFromSession(r.Context(), chi.URLParam(r, "userID"), data)
	s.respondOutcome(w, r, outcome, err)
}

func (s *Server) handleProfileSessionEnd(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.engine.HandleSessionEnd(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// deleteResponse reports what a profile deletion removed. Purged is set
// only when the request asked for the user's therapy data too.
type deleteResponse struct {
	ProfileDeleted bool                 `json:"profile_deleted"`
	Purged         *storage.PurgeCounts `json:"purged,omitempty"`
}

// handleDeleteProfile erases the profile whatever its consent and retention
// settings. With purge=true the sessions, check-ins and health records go
// as well.
func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	purge, err := strconv.ParseBool(cmp.Or(r.URL.Query().Get("purge"), "false"))
	if err != nil {
		s.respondErr(w, r, fmt.Errorf("%w: purge must be a boolean", core.ErrInvalidInput))
		return
	}

	existed, err := s.engine.DeleteProfile(r.Context(), userID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	resp := deleteResponse{ProfileDeleted: existed}

	if purge {
		counts, err := s.therapy.PurgeUserData(r.Context(), userID)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		if s.purges != nil {
			if err := s.purges.DataPurged(r.Context(), s.ids.SecureID(userID), counts); err != nil {
				s.respondErr(w, r, fmt.Errorf("record purge: %w", err))
				return
			}
		}
		resp.Purged = &counts
	}

	s.respondJSON(w, http.StatusOK, resp)
}
