package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"bountyflow/apperr"
	"bountyflow/auth"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps the failure taxonomy onto HTTP. A retryable rail failure is
// a bad gateway; an amount mismatch is unprocessable.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindStateConflict:
		return http.StatusConflict
	case apperr.KindRailVerification:
		if apperr.IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	case apperr.KindInsufficientStake:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: string(apperr.KindOf(err)), Retryable: apperr.IsRetryable(err)}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validation("invalid payload: %v", err)
	}
	return nil
}

func principal(r *http.Request) (auth.Principal, error) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		return auth.Principal{}, fmt.Errorf("httpapi: %w", apperr.Authorization("missing identity"))
	}
	return p, nil
}
