/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/friendsincode/vidar_player/internal/backlog"
	"github.com/friendsincode/vidar_player/internal/logbuffer"
	"github.com/friendsincode/vidar_player/internal/queue"
	"github.com/friendsincode/vidar_player/internal/version"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	items, index, mode := s.scheduler.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"index": index,
		"mode":  mode,
	})
}

type commandRequest struct {
	Action string       `json:"action"`
	Delta  int          `json:"delta,omitempty"`
	Index  *int         `json:"index,omitempty"`
	Mode   queue.Mode   `json:"mode,omitempty"`
	Flags  *queue.Flags `json:"flags,omitempty"`
}

// handleCommand queues a playback command. Commands apply within about a
// second; the response acknowledges acceptance, not completion.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command body")
		return
	}

	switch req.Action {
	case "start":
		s.orch.RequestStart(false)
	case "start_over":
		s.orch.RequestStart(true)
	case "stop":
		s.orch.RequestStop()
	case "pause":
		s.orch.RequestPause()
	case "resume":
		s.orch.RequestResume()
	case "skip":
		delta := req.Delta
		if delta == 0 {
			delta = 1
		}
		s.orch.RequestSkip(delta)
	case "jump":
		if req.Index == nil || *req.Index < 0 {
			respondError(w, http.StatusBadRequest, "jump requires a non-negative index")
			return
		}
		s.orch.RequestJump(*req.Index)
	case "mode":
		if !req.Mode.Valid() {
			respondError(w, http.StatusBadRequest, "unknown mode")
			return
		}
		var flags queue.Flags
		if req.Flags != nil {
			flags = *req.Flags
		}
		s.orch.RequestMode(req.Mode, flags)
	default:
		respondError(w, http.StatusBadRequest, "unknown action")
		return
	}

	s.logger.Info().Str("action", req.Action).Msg("command accepted")
	respondJSON(w, http.StatusAccepted, map[string]string{"accepted": req.Action})
}

func (s *Server) handleBacklogList(w http.ResponseWriter, r *http.Request) {
	items, err := s.backlog.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "listing backlog")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleBacklogAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceRef string `json:"source_ref"`
	}
	if err := decodeJSON(r, &req); err != nil || req.SourceRef == "" {
		respondError(w, http.StatusBadRequest, "source_ref required")
		return
	}
	item, err := s.backlog.Add(r.Context(), req.SourceRef)
	switch {
	case errors.Is(err, backlog.ErrDuplicate):
		respondError(w, http.StatusConflict, "item already in backlog")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "adding item")
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

func (s *Server) handleBacklogRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.backlog.Remove(r.Context(), id)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "no such item")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "removing item")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleBacklogReorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "ids required")
		return
	}
	if err := s.backlog.Reorder(r.Context(), req.IDs); err != nil {
		respondError(w, http.StatusInternalServerError, "reordering backlog")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"reordered": len(req.IDs)})
}

func (s *Server) handleBacklogImport(w http.ResponseWriter, r *http.Request) {
	added, err := s.backlog.ImportYAML(r.Context(), http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid import document")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleBacklogExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="backlog.yaml"`)
	if err := s.backlog.ExportYAML(r.Context(), w); err != nil {
		s.logger.Warn().Err(err).Msg("backlog export")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		limit = parsed
	}
	days, err := s.progress.Totals(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "loading stats")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"days": days})
}

func (s *Server) handleMarkUnwatched(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CanonicalRef string `json:"canonical_ref"`
	}
	if err := decodeJSON(r, &req); err != nil || req.CanonicalRef == "" {
		respondError(w, http.StatusBadRequest, "canonical_ref required")
		return
	}
	if err := s.progress.MarkUnwatched(r.Context(), req.CanonicalRef); err != nil {
		respondError(w, http.StatusInternalServerError, "clearing progress")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"unwatched": req.CanonicalRef})
}

func (s *Server) handleSilenceGet(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "silence monitor unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"silent":       s.monitor.IsSilent(),
		"level":        s.monitor.Level(),
		"samples":      s.monitor.Samples(),
		"noise_floor":  s.cfg.NoiseFloor,
		"sound_floor":  s.cfg.SoundFloor,
		"duration_sec": s.cfg.SilenceDuration.Seconds(),
	})
}

type silenceRequest struct {
	NoiseFloor  *float64 `json:"noise_floor,omitempty"`
	SoundFloor  *float64 `json:"sound_floor,omitempty"`
	DurationSec *float64 `json:"duration_sec,omitempty"`
}

// handleSilenceSet adjusts detection thresholds at runtime. Changes are
// not persisted; the environment still wins on restart.
func (s *Server) handleSilenceSet(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "silence monitor unavailable")
		return
	}
	var req silenceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid silence body")
		return
	}

	noise := s.cfg.NoiseFloor
	sound := s.cfg.SoundFloor
	if req.NoiseFloor != nil {
		noise = *req.NoiseFloor
	}
	if req.SoundFloor != nil {
		sound = *req.SoundFloor
	}
	if noise <= 0 || sound <= noise {
		respondError(w, http.StatusBadRequest, "floors must satisfy 0 < noise < sound")
		return
	}
	s.monitor.SetThresholds(sound, noise)
	s.cfg.NoiseFloor = noise
	s.cfg.SoundFloor = sound

	if req.DurationSec != nil {
		if *req.DurationSec <= 0 {
			respondError(w, http.StatusBadRequest, "duration must be positive")
			return
		}
		d := time.Duration(*req.DurationSec * float64(time.Second))
		s.monitor.SetDuration(d)
		s.cfg.SilenceDuration = d
	}

	s.handleSilenceGet(w, r)
}

func (s *Server) handleAfkGet(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		respondError(w, http.StatusServiceUnavailable, "afk gate unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active":  s.gate.Active(),
		"enabled": s.cfg.AFKEnabled,
	})
}

type afkRequest struct {
	Override string `json:"override,omitempty"` // active, inactive, clear
	Enabled  *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleAfkSet(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		respondError(w, http.StatusServiceUnavailable, "afk gate unavailable")
		return
	}
	var req afkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid afk body")
		return
	}

	if req.Enabled != nil {
		s.gate.SetEnabled(*req.Enabled)
		s.cfg.AFKEnabled = *req.Enabled
	}

	switch req.Override {
	case "":
	case "active":
		s.gate.ForceActive(true)
	case "inactive":
		s.gate.ForceActive(false)
	case "clear":
		s.gate.ClearOverride()
	default:
		respondError(w, http.StatusBadRequest, "override must be active, inactive, or clear")
		return
	}

	s.handleAfkGet(w, r)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if s.updates != nil {
		respondJSON(w, http.StatusOK, s.updates.Info())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"current_version": version.Version})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		respondError(w, http.StatusServiceUnavailable, "log buffer unavailable")
		return
	}
	q := logbuffer.Query{
		Level:     r.URL.Query().Get("level"),
		Component: r.URL.Query().Get("component"),
		Search:    r.URL.Query().Get("q"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = parsed
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": s.logBuffer.Filter(q)})
}
