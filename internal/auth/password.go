package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashKey hashes an operator or service API key using bcrypt.
func HashKey(key string) (string, error) {
	if len(key) == 0 {
		return "", errors.New("key is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyKey compares a presented key with its stored hash.
func VerifyKey(hash, key string) error {
	if hash == "" {
		return errors.New("key hash is empty")
	}
	if key == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrUnauthorized
	}
	return nil
}
