// Package auth provides password hashing and session token generation
// for the access daemon. Account records themselves live in the ledger.
package auth

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// PasswordPolicy defines password requirements for new accounts.
type PasswordPolicy struct {
	MinLength  int
	MinClasses int // character classes: lower, upper, digit, symbol
}

// DefaultPasswordPolicy returns the default password policy.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:  12,
		MinClasses: 3,
	}
}

// ValidatePassword validates a password against the policy. email is
// optional; when given, the password must not contain its local part.
func ValidatePassword(password string, policy PasswordPolicy, email ...string) error {
	if len(password) < policy.MinLength {
		return fmt.Errorf("password must be at least %d characters", policy.MinLength)
	}

	if len(email) > 0 && email[0] != "" {
		local := strings.ToLower(strings.SplitN(email[0], "@", 2)[0])
		if local != "" && strings.Contains(strings.ToLower(password), local) {
			return fmt.Errorf("password cannot contain your email address")
		}
	}

	if classes := characterClasses(password); classes < policy.MinClasses {
		return fmt.Errorf("password needs at least %d of: lowercase, uppercase, digits, symbols", policy.MinClasses)
	}

	return nil
}

func characterClasses(password string) int {
	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	n := 0
	for _, b := range []bool{lower, upper, digit, symbol} {
		if b {
			n++
		}
	}
	return n
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
