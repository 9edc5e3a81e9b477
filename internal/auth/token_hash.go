package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrSessionTokenRequired is returned when hashing a blank session token.
var ErrSessionTokenRequired = errors.New("session token required")

// HashSessionToken returns the hex SHA-256 digest stores key sessions by.
func HashSessionToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrSessionTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}

// generateHashedSessionToken returns a random token and its stored hash.
func generateHashedSessionToken(length int) (token, hashed string, err error) {
	token, err = generateToken(length)
	if err != nil {
		return "", "", err
	}
	hashed, err = HashSessionToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hashed, nil
}
