package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fahmaliyi/keyvault/recovery"
)

func errorBody(msg string) recovery.ErrorResponse {
	return recovery.ErrorResponse{Error: msg}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("request body too large"))
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return false
	}
	return true
}

// handleRegister handles POST /api/recovery/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req recovery.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.svc.Register(r.Context(), req.SubjectID, req.Attributes(), []byte(req.RecoveryKey))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVerify handles POST /api/recovery/verify. An unknown subject
// gets the answers a registered subject with wrong attributes would get.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req recovery.VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.svc.Verify(r.Context(), req.SubjectID, req.Attributes())
	if errors.Is(err, recovery.ErrNotFound) {
		if remaining, limited := s.unknown.record(req.SubjectID); limited {
			err = &recovery.RateLimitedError{}
		} else {
			err = &recovery.VerificationFailedError{Remaining: remaining}
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivery triggered"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		inErr *recovery.InputValidationError
		rl    *recovery.RateLimitedError
		vf    *recovery.VerificationFailedError
	)
	switch {
	case errors.As(err, &inErr):
		writeJSON(w, http.StatusBadRequest, recovery.ErrorResponse{Error: "invalid request", Field: inErr.Field})
	case errors.As(err, &rl):
		writeJSON(w, http.StatusTooManyRequests, recovery.AttemptsResponse{RemainingAttempts: 0})
	case errors.As(err, &vf):
		writeJSON(w, http.StatusUnauthorized, recovery.AttemptsResponse{RemainingAttempts: vf.Remaining})
	case errors.Is(err, recovery.ErrDelivery):
		writeJSON(w, http.StatusBadGateway, errorBody("delivery failed"))
	default:
		s.logger.Error().Err(err).Msg("recovery request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
