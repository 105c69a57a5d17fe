package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/parser"
	"github.com/mindhive/annotad/supervisor"
)

// factoryResetToken must be the exact request body of POST /api/reset.
// Wiping every annotation should not be one stray curl away.
const factoryResetToken = "FACTORY_RESET"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var settings config.Settings
	if err := readJSON(w, r, &settings); err != nil {
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.applySettings == nil {
		writeError(w, http.StatusNotImplemented, "configuration is read-only")
		return
	}
	if err := s.applySettings(&settings); err != nil {
		s.logger.Errorw("Failed to apply settings", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settings())
}

// pairFromRequest parses and validates the {annotator}/{domain} path
// segments shared by the worker and blacklist routes.
func pairFromRequest(w http.ResponseWriter, r *http.Request) (int, string, bool) {
	annotatorID, err := strconv.Atoi(r.PathValue("annotator"))
	if err != nil || annotatorID < 1 || annotatorID > config.NumAnnotators {
		writeError(w, http.StatusBadRequest, "invalid annotator id")
		return 0, "", false
	}
	domain := r.PathValue("domain")
	if !parser.KnownDomain(domain) {
		writeError(w, http.StatusBadRequest, "unknown domain: "+domain)
		return 0, "", false
	}
	return annotatorID, domain, true
}

func (s *Server) handleAllWorkers(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.manager.AllStatuses()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": statuses})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	annotatorID, domain, ok := pairFromRequest(w, r)
	if !ok {
		return
	}
	ws, err := s.manager.WorkerStatus(annotatorID, domain)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleWorkerAction(w http.ResponseWriter, r *http.Request) {
	annotatorID, domain, ok := pairFromRequest(w, r)
	if !ok {
		return
	}

	var res supervisor.Result
	switch action := r.PathValue("action"); action {
	case "start":
		res = s.manager.StartWorker(annotatorID, domain)
	case "stop":
		res = s.manager.StopWorker(annotatorID, domain)
	case "pause":
		res = s.manager.PauseWorker(annotatorID, domain)
	case "resume":
		res = s.manager.ResumeWorker(annotatorID, domain)
	case "restart":
		res = s.manager.RestartWorker(annotatorID, domain)
	case "reset":
		if err := s.store.ResetWorker(annotatorID, domain); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		res = supervisor.Result{AnnotatorID: annotatorID, Domain: domain, Outcome: "reset"}
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+action)
		return
	}

	status := http.StatusOK
	if res.Outcome == supervisor.OutcomeError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.StartAllEnabled())
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.StopAll())
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.store.GetSystemOverview()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.store.RecentEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	statuses, err := s.limiter.AllStatuses()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": statuses})
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if string(body) != factoryResetToken {
		writeError(w, http.StatusBadRequest,
			"factory reset requires request body "+factoryResetToken)
		return
	}

	if res := s.manager.StopAll(); res.Failed > 0 {
		s.logger.Warnw("Some workers failed to stop before factory reset",
			"failed", res.Failed)
	}
	if err := s.store.FactoryReset(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.dog != nil {
		s.dog.ResetBlacklist()
	}
	s.logger.Warnw("Factory reset executed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	if s.dog == nil {
		writeError(w, http.StatusServiceUnavailable, "watchdog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blacklist": s.dog.Blacklist()})
}

func (s *Server) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	annotatorID, domain, ok := pairFromRequest(w, r)
	if !ok {
		return
	}
	if s.dog == nil {
		writeError(w, http.StatusServiceUnavailable, "watchdog unavailable")
		return
	}
	s.dog.AddToBlacklist(annotatorID, domain)
	writeJSON(w, http.StatusOK, map[string]interface{}{"blacklist": s.dog.Blacklist()})
}

func (s *Server) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	annotatorID, domain, ok := pairFromRequest(w, r)
	if !ok {
		return
	}
	if s.dog == nil {
		writeError(w, http.StatusServiceUnavailable, "watchdog unavailable")
		return
	}
	s.dog.RemoveFromBlacklist(annotatorID, domain)
	writeJSON(w, http.StatusOK, map[string]interface{}{"blacklist": s.dog.Blacklist()})
}

func (s *Server) handleBlacklistReset(w http.ResponseWriter, r *http.Request) {
	if s.dog == nil {
		writeError(w, http.StatusServiceUnavailable, "watchdog unavailable")
		return
	}
	s.dog.ResetBlacklist()
	writeJSON(w, http.StatusOK, map[string]interface{}{"blacklist": s.dog.Blacklist()})
}
