package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/health"
)

type healthResponse struct {
	Status     health.State       `json:"status"`
	Components []health.Component `json:"components,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: health.StateHealthy, Timestamp: time.Now()}
	if s.health != nil {
		resp.Status = s.health.Overall()
		resp.Components = s.health.Components()
	}
	code := http.StatusOK
	if resp.Status == health.StateUnavailable {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, resp)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"alive": true, "timestamp": time.Now()})
}

// handleReadiness fails once the engine stops admitting transfers or the
// storage backend is unavailable.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready, reason := true, ""
	if s.engine.Stats().Buffers.Shutdown {
		ready, reason = false, "transfer engine is shut down"
	} else if s.health != nil && s.health.Overall() == health.StateUnavailable {
		ready, reason = false, "a component is unavailable"
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	resp := map[string]interface{}{"ready": ready, "timestamp": time.Now()}
	if reason != "" {
		resp["reason"] = reason
	}
	s.respondJSON(w, code, resp)
}

type transfersResponse struct {
	Transfers []transfer.Info `json:"transfers"`
	Count     int             `json:"count"`
}

// handleTransfers lists handles, optionally filtered by ?status= and
// ?direction=.
func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	direction := r.URL.Query().Get("direction")

	infos := make([]transfer.Info, 0)
	for _, h := range s.engine.Handles() {
		info := h.Snapshot()
		if status != "" && info.Status.String() != status {
			continue
		}
		if direction != "" && info.Direction.String() != direction {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	s.respondJSON(w, http.StatusOK, transfersResponse{Transfers: infos, Count: len(infos)})
}

type transferDetail struct {
	transfer.Info
	PartList []transfer.Part `json:"part_list"`
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*transfer.Handle, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid transfer id: "+raw)
		return nil, false
	}
	h, ok := s.engine.Handle(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "transfer not found: "+raw)
		return nil, false
	}
	return h, true
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, transferDetail{Info: h.Snapshot(), PartList: h.PartsSnapshot()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !h.Cancel() {
		s.respondJSON(w, http.StatusConflict, errorResponse{
			Error: "transfer is " + h.Status().String(),
			Kind:  errors.KindInvalidState.String(),
		})
		return
	}
	s.logger.Info("transfer cancelled via api", "handle", h.ID(), "key", h.Key())
	s.respondJSON(w, http.StatusAccepted, h.Snapshot())
}

// handleAbort cancels a live upload first so that AbortMultipart can settle.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if h.Direction() != transfer.DirectionUpload {
		s.respondError(w, http.StatusBadRequest, "only uploads can be aborted")
		return
	}
	h.Cancel()
	if err := s.engine.AbortMultipart(r.Context(), h); err != nil {
		code := http.StatusInternalServerError
		if e, ok := errors.As(err); ok {
			code = errors.DefaultHTTPStatus(e.Kind)
		}
		s.respondJSON(w, code, errorResponse{Error: err.Error(), Kind: errors.KindOf(err).String()})
		return
	}
	s.respondJSON(w, http.StatusOK, h.Snapshot())
}

type statsResponse struct {
	Engine    transfer.Stats `json:"engine"`
	Cache     *cache.Stats   `json:"cache,omitempty"`
	Uptime    string         `json:"uptime"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Engine:    s.engine.Stats(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	if s.cacheStats != nil {
		cs := s.cacheStats()
		resp.Cache = &cs
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"/health", "/health/live", "/health/ready",
		"/transfers", "/transfers/{id}", "/transfers/{id}/cancel", "/transfers/{id}/abort",
		"/stats", "/info",
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "/metrics")
	}
	if s.config.EnableProfiling {
		endpoints = append(endpoints, "/debug/pprof/")
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "bucketfs",
		"endpoints": endpoints,
	})
}
