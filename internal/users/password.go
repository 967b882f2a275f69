package users

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Operator logins are interactive and rare, so the library default cost is
// plenty; bump this only together with a rehash-on-login migration.
const hashCost = bcrypt.DefaultCost

// HashPassword derives the stored form of an operator password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
