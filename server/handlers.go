package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	storycache "github.com/wolfeidau/story-cache"
	"github.com/wolfeidau/story-cache/lifecycle"
	"github.com/wolfeidau/story-cache/manifest"
	"github.com/wolfeidau/story-cache/notify"
	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/store/records"
)

// maxRequestBody bounds JSON bodies accepted by the control routes.
const maxRequestBody = 1 << 20

type statusResponse struct {
	lifecycle.Status
	Pages int `json:"pages"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status: s.lifecycle.Status(),
		Pages:  s.hub.Count(),
	})
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	infos, err := s.cache.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list generations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}
	if infos == nil {
		infos = []generations.Info{}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// installRequest installs a new version at runtime. Empty fields fall back
// to the configured version.
type installRequest struct {
	Generations *generations.Set `json:"generations"`
	Manifest    []string         `json:"manifest"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid install request")
		return
	}

	v := s.version
	if req.Generations != nil {
		v.Generations = *req.Generations
	}
	if len(req.Manifest) > 0 {
		urls, err := manifest.Resolve(req.Manifest, s.origin)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		v.Manifest = urls
	}

	worker, err := s.lifecycle.Register(r.Context(), v)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case worker == nil:
			status = http.StatusBadRequest
		case errors.Is(err, lifecycle.ErrManifestChanged):
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, worker.Status())
}

type pushResponse struct {
	Notification notify.Notification `json:"notification"`
	Pages        int                 `json:"pages"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read push payload")
		return
	}
	n, err := notify.ParsePush(payload)
	if err != nil {
		s.logger.Warn("push payload is not JSON, showing it as text", "error", err)
	}
	pages := s.hub.Notify(n)
	s.writeJSON(w, http.StatusAccepted, pushResponse{Notification: n, Pages: pages})
}

type clickResponse struct {
	Target  string `json:"target"`
	Focused bool   `json:"focused"`
}

// handleNotificationClick focuses an open page on the notification's target,
// or redirects the caller there when no page is open.
func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&n); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid notification")
		return
	}
	target := notify.ClickTarget(n, s.origin)
	if s.hub.Navigate(target) {
		s.writeJSON(w, http.StatusOK, clickResponse{Target: target, Focused: true})
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := s.records.GetAll(r.Context())
	if err != nil {
		s.logger.Error("failed to read stories", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read stories")
		return
	}
	s.writeJSON(w, http.StatusOK, stories)
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	story, err := s.records.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, records.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "story not found")
	case err != nil:
		s.logger.Error("failed to read story", "id", r.PathValue("id"), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read story")
	default:
		s.writeJSON(w, http.StatusOK, story)
	}
}

func (s *Server) handlePutStory(w http.ResponseWriter, r *http.Request) {
	var story storycache.StoryRecord
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&story); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid story")
		return
	}
	err := s.records.Put(r.Context(), story)
	switch {
	case errors.Is(err, records.ErrInvalidRecord):
		s.writeError(w, http.StatusBadRequest, "story id is required")
	case err != nil:
		s.logger.Error("failed to store story", "id", story.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store story")
	default:
		s.writeJSON(w, http.StatusOK, story)
	}
}

func (s *Server) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.logger.Error("failed to delete story", "id", r.PathValue("id"), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete story")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, storycache.ErrorResponse{Error: true, Message: message})
}
