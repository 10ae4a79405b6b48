package server

import "github.com/mohammad-safakhou/deepresearch/internal/research"

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// StartResearchRequest represents a new research session payload. Options
// left at their zero value fall back to the defaults.
type StartResearchRequest struct {
	Query   string           `json:"query"`
	Options research.Options `json:"options"`
}

// StartResearchResponse acknowledges an accepted session and tells the
// client where to follow it.
type StartResearchResponse struct {
	Status    string           `json:"status"`
	SessionID string           `json:"session_id"`
	Query     string           `json:"query"`
	Options   research.Options `json:"options"`
	StreamURL string           `json:"stream_url"`
	StopURL   string           `json:"stop_url"`
	StatusURL string           `json:"status_url"`
}

// StopResponse reports the outcome of a stop request.
type StopResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionListResponse wraps the session listing.
type SessionListResponse struct {
	Status   string             `json:"status"`
	Count    int                `json:"count"`
	Sessions []research.Session `json:"sessions"`
}
