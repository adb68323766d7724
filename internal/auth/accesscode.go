package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const defaultCost = bcrypt.DefaultCost

// ErrEmptyAccessCode is returned when hashing an empty access code.
var ErrEmptyAccessCode = errors.New("empty access code")

// HashAccessCode hashes a call-room access code with bcrypt.
func HashAccessCode(code string) (string, error) {
	if code == "" {
		return "", ErrEmptyAccessCode
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), defaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareAccessCode reports whether code matches the stored hash.
func CompareAccessCode(hash, code string) bool {
	if hash == "" || code == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
