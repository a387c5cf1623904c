package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/actiongate/internal/executor"
)

const maxBody = 1 << 20

type confirmRequest struct {
	ChallengeID string `json:"challenge_id"`
	Response    string `json:"response"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if !decode(w, r, &req) {
		return
	}
	out := s.app.Executor.Submit(r.Context(), req)
	if out.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(out.RetryAfterSeconds, 10))
	}
	writeJSON(w, statusFor(out.Kind), out)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if !decode(w, r, &req) {
		return
	}
	out := s.app.Executor.Check(req)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Executor.Pending())
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ChallengeID == "" || req.Response == "" {
		writeError(w, http.StatusBadRequest, "challenge_id and response are required")
		return
	}
	res := s.app.Executor.Confirm(req.ChallengeID, req.Response)
	code := http.StatusOK
	if !res.Confirmed {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *Server) handleSwitchStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Switch.Status())
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "op") {
	case "pause":
		s.app.Switch.Pause()
	case "resume":
		s.app.Switch.Resume()
	case "kill":
		s.app.Switch.Kill()
	default:
		writeError(w, http.StatusNotFound, "unknown kill switch operation")
		return
	}
	writeJSON(w, http.StatusOK, s.app.Switch.Status())
}

func (s *Server) handleGuardStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.app.Guard.Status(),
		"stats":  s.app.Guard.Stats(),
	})
}

func (s *Server) handleLockdown(w http.ResponseWriter, r *http.Request) {
	res := s.app.Guard.EmergencyLockdown(r.Context())
	code := http.StatusOK
	if !res.Success {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	st, err := s.app.Audit.Stats(window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// statusFor maps an outcome kind to an HTTP status.
func statusFor(k executor.Kind) int {
	switch k {
	case executor.KindSuccess:
		return http.StatusOK
	case executor.KindConfirmationRequired:
		return http.StatusAccepted
	case executor.KindActionUnknown:
		return http.StatusNotFound
	case executor.KindActionBlocked, executor.KindGuardViolation:
		return http.StatusForbidden
	case executor.KindValidationError:
		return http.StatusUnprocessableEntity
	case executor.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case executor.KindConfirmationExpired, executor.KindConfirmationMismatch:
		return http.StatusConflict
	case executor.KindSystemPaused, executor.KindSystemKilled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "empty request body")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
