package httpapi

import (
	"errors"
	"net/http"

	"bountyflow/auth"
	"bountyflow/lab"
)

type userResponse struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	FullName     string            `json:"fullName"`
	LabID        string            `json:"labId,omitempty"`
	Capabilities []auth.Capability `json:"capabilities"`
	CreatedAt    string            `json:"createdAt"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func toUserResponse(u auth.User) userResponse {
	resp := userResponse{
		ID:           u.ID,
		Email:        u.Email,
		FullName:     u.FullName,
		Capabilities: u.Capabilities,
		CreatedAt:    formatTime(u.CreatedAt),
	}
	if u.LabID != nil {
		resp.LabID = *u.LabID
	}
	return resp
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRegistration):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		status := authStatus(err)
		if status == http.StatusInternalServerError {
			s.writeError(w, r, err)
			return
		}
		writeMessage(w, status, err.Error())
		return
	}

	// A lab account starts with an unverified profile so it can stake and bid
	// once an admin raises its tier.
	if user.LabID != nil {
		name := req.LabName
		if name == "" {
			name = req.FullName
		}
		p := auth.PrincipalFor(*user)
		if _, err := s.engine.RegisterLab(r.Context(), p, lab.Profile{ID: *user.LabID, Name: name}); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		status := authStatus(err)
		if status == http.StatusInternalServerError {
			s.writeError(w, r, err)
			return
		}
		writeMessage(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, User: toUserResponse(res.User)})
}
