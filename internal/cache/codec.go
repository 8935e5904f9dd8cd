package cache

import (
	"encoding/json"

	"github.com/allisson/payauth-gateway/internal/domain"
)

func encodeToken(tok *domain.Token) ([]byte, error) {
	return json.Marshal(tok)
}

func decodeToken(data []byte) (*domain.Token, error) {
	var tok domain.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func encodeCredential(cred *domain.Credential) ([]byte, error) {
	return json.Marshal(cred)
}

func decodeCredential(data []byte) (*domain.Credential, error) {
	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}
