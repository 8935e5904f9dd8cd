// Package dto provides request/response data transfer objects for the
// authentication HTTP surface.
package dto

import (
	validation "github.com/jellydator/validation"

	customValidation "github.com/allisson/payauth-gateway/internal/validation"
)

// AuthenticateRequest is the body of POST /api/v1/auth/token.
type AuthenticateRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Validate checks that both fields are present and non-blank.
func (r *AuthenticateRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ClientID,
			validation.Required,
			customValidation.NotBlank,
		),
		validation.Field(&r.ClientSecret,
			validation.Required,
			customValidation.NotBlank,
		),
	)
}

// TokenRequest is the body of POST /api/v1/auth/validate and
// POST /api/v1/auth/refresh.
type TokenRequest struct {
	Token string `json:"token"`
}

// Validate checks that the token string is present.
func (r *TokenRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Token,
			validation.Required,
			customValidation.NotBlank,
		),
	)
}

// StartRotationRequest is the body of POST /api/v1/rotation/{client_id}/start.
type StartRotationRequest struct {
	Reason string `json:"reason"`
}

// InstallSigningKeyRequest is the body of POST /api/v1/admin/signing-key.
type InstallSigningKeyRequest struct {
	Key string `json:"key"`
}

// Validate checks that the key is present and base64-encoded.
func (r *InstallSigningKeyRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Key,
			validation.Required,
			customValidation.NotBlank,
			customValidation.Base64,
		),
	)
}
