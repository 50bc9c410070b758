package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrEmptyPassword is returned when a caller tries to hash an empty string.
	ErrEmptyPassword = errors.New("password is empty")
	// ErrEmptyHash is returned when a stored credential has no hash to compare.
	ErrEmptyHash = errors.New("password hash is empty")
)

// HashPassword hashes a plaintext password with bcrypt at the default cost.
// Seed tooling and the login path both go through here so the hash parameters
// stay in one place.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password against the stored bcrypt hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return ErrEmptyHash
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
