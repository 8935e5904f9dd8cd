// Package credential implements the credential resolver: vault-with-cache
// lookup of a client's stored secret and constant-time validation of a
// presented secret against it, including validation during a rotation
// window's dual-active/old-deprecated states.
package credential

import (
	"strings"

	"github.com/allisson/go-pwdhash"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/allisson/payauth-gateway/internal/errors"
)

// SecretHasher hashes and compares client secrets. CompareSecret must run in
// constant time regardless of where the presented secret first diverges
// from the stored hash.
type SecretHasher interface {
	HashSecret(plainSecret string) (string, error)
	CompareSecret(plainSecret, hashedSecret string) bool

	// RunDecoyVerify performs a dummy comparison costing roughly the same
	// latency as CompareSecret, so callers can burn equivalent time on a
	// deny path that never reached a real hash.
	RunDecoyVerify(presentedSecret string)
}

type argon2Hasher struct {
	hasher *pwdhash.PasswordHasher
}

// NewSecretHasher builds an Argon2id-backed hasher at the moderate policy,
// matching the cost/security tradeoff this gateway's credential volume
// calls for.
func NewSecretHasher() (SecretHasher, error) {
	hasher, err := pwdhash.New(pwdhash.WithPolicy(pwdhash.PolicyModerate))
	if err != nil {
		return nil, apperrors.Wrap(err, "build secret hasher")
	}
	return &argon2Hasher{hasher: hasher}, nil
}

func (h *argon2Hasher) HashSecret(plainSecret string) (string, error) {
	hashed, err := h.hasher.Hash([]byte(plainSecret))
	if err != nil {
		return "", apperrors.Wrap(err, "hash secret")
	}
	return hashed, nil
}

// CompareSecret performs a constant-time comparison between a plain secret
// and its hash; library-level failures (malformed hash) are reported as a
// comparison failure, never as an error. Credentials migrated from the
// legacy vendor store carry bcrypt hashes and keep authenticating until
// their next rotation re-hashes them with Argon2id.
func (h *argon2Hasher) CompareSecret(plainSecret, hashedSecret string) bool {
	if isBcryptHash(hashedSecret) {
		return bcrypt.CompareHashAndPassword([]byte(hashedSecret), []byte(plainSecret)) == nil
	}
	ok, err := h.hasher.Verify([]byte(plainSecret), hashedSecret)
	if err != nil {
		return false
	}
	return ok
}

func isBcryptHash(hashed string) bool {
	return strings.HasPrefix(hashed, "$2a$") ||
		strings.HasPrefix(hashed, "$2b$") ||
		strings.HasPrefix(hashed, "$2y$")
}

// decoyHash is a fixed, precomputed Argon2id hash with no corresponding
// plaintext. Verifying against it on an unknown-client path burns
// approximately the same latency as a genuine comparison, so "unknown
// client" and "wrong secret" are indistinguishable in response timing.
const decoyHash = "$argon2id$v=19$m=65536,t=3,p=4$c2FsdHNhbHRzYWx0c2FsdA$ERlU4MkRoVWplUnd1ZUJ2QklYckZ3PT0"

func (h *argon2Hasher) RunDecoyVerify(presentedSecret string) {
	_, _ = h.hasher.Verify([]byte(presentedSecret), decoyHash)
}
