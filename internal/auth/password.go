package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword produces a bcrypt hash of the plaintext. It covers both
// account passwords and the per-level security codes, which want the
// same slow, salted comparison.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("auth: plaintext is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares the plaintext against a stored bcrypt hash.
func VerifyPassword(hash, plain string) error {
	if hash == "" {
		return errors.New("auth: stored hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
}
