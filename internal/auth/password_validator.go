package auth

import (
	"unicode"
)

const (
	// MinPasswordLength is the minimum required password length
	MinPasswordLength = 8
	// MaxPasswordBytes is the bcrypt input limit
	MaxPasswordBytes = 72
)

// PasswordValidator checks new passwords against the account password policy.
// Login does not apply it, so older passwords keep working.
type PasswordValidator struct{}

// NewPasswordValidator creates a new PasswordValidator instance
func NewPasswordValidator() *PasswordValidator {
	return &PasswordValidator{}
}

// ValidatePassword returns the list of policy violations (empty if password is valid)
func (v *PasswordValidator) ValidatePassword(password string) []ValidationError {
	var errs []ValidationError

	if len([]rune(password)) < MinPasswordLength {
		errs = append(errs, ValidationError{
			Field:   "password",
			Message: "Password must be at least 8 characters long",
		})
	}
	if len(password) > MaxPasswordBytes {
		errs = append(errs, ValidationError{
			Field:   "password",
			Message: "Password must not exceed 72 bytes",
		})
	}

	var hasLetter, hasDigit bool
	for _, char := range password {
		switch {
		case unicode.IsLetter(char):
			hasLetter = true
		case unicode.IsDigit(char):
			hasDigit = true
		}
	}

	if !hasLetter {
		errs = append(errs, ValidationError{
			Field:   "password",
			Message: "Password must contain at least one letter",
		})
	}
	if !hasDigit {
		errs = append(errs, ValidationError{
			Field:   "password",
			Message: "Password must contain at least one number",
		})
	}

	return errs
}

// IsValid returns true if the password meets the policy
func (v *PasswordValidator) IsValid(password string) bool {
	return len(v.ValidatePassword(password)) == 0
}
