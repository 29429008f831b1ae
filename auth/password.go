package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt work factor for new hashes.
const PasswordCost = 12

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	return string(hash), err
}

// VerifyPassword reports whether password matches the bcrypt hash.
func VerifyPassword(password string, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Credentials is the single administrator account allowed to log in.
type Credentials struct {
	Username     string
	PasswordHash string // bcrypt
}

// Configured reports whether an administrator account exists at all.
func (c Credentials) Configured() bool {
	return c.Username != "" && c.PasswordHash != ""
}

// Check reports whether username and password match the account.
func (c Credentials) Check(username string, password string) bool {
	if !c.Configured() {
		return false
	}
	sameUser := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1
	// Always run bcrypt so response timing doesn't reveal valid usernames.
	samePassword := VerifyPassword(password, c.PasswordHash)
	return sameUser && samePassword
}
