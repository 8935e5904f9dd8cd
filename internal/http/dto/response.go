package dto

import "github.com/allisson/payauth-gateway/internal/domain"

// TokenResponse is the response envelope for token issuance, header
// authentication, and refresh.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	TokenType string `json:"token_type"`
}

// NewTokenResponse builds a TokenResponse from an issued/refreshed token.
func NewTokenResponse(tok *domain.Token) TokenResponse {
	return TokenResponse{
		Token:     tok.TokenString,
		ExpiresAt: tok.ExpiresAt.Unix(),
		TokenType: "Bearer",
	}
}

// ValidateResponse is the response body for POST /api/v1/auth/validate.
type ValidateResponse struct {
	Valid bool `json:"valid"`
}

// StatusResponse is the response body for GET /api/v1/auth/status/{id}.
type StatusResponse struct {
	Valid        bool  `json:"valid"`
	ExpiresInSec int64 `json:"expires_in,omitempty"`
}

// RotationResponse reports a rotation record's externally visible fields.
type RotationResponse struct {
	ClientID           string `json:"client_id"`
	State              string `json:"state"`
	OldVersion         string `json:"old_version"`
	NewVersion         string `json:"new_version"`
	StartedAt          int64  `json:"started_at"`
	TransitionDeadline int64  `json:"transition_deadline"`
	CompletedAt        *int64 `json:"completed_at,omitempty"`
	NewVersionHits     int64  `json:"new_version_hits"`
	OldVersionHits     int64  `json:"old_version_hits"`
}

// NewRotationResponse builds a RotationResponse from a rotation record.
func NewRotationResponse(rec *domain.RotationRecord) RotationResponse {
	resp := RotationResponse{
		ClientID:           rec.ClientID,
		State:              string(rec.State),
		OldVersion:         rec.OldVersion,
		NewVersion:         rec.NewVersion,
		StartedAt:          rec.StartedAt.Unix(),
		TransitionDeadline: rec.TransitionDeadline.Unix(),
		NewVersionHits:     rec.Stats.NewVersionHits,
		OldVersionHits:     rec.Stats.OldVersionHits,
	}
	if rec.CompletedAt != nil {
		ts := rec.CompletedAt.Unix()
		resp.CompletedAt = &ts
	}
	return resp
}

// StartRotationResponse additionally carries the newly generated client
// secret, which exists only in this one response and is never persisted.
type StartRotationResponse struct {
	RotationResponse
	NewClientSecret string `json:"new_client_secret"`
}
