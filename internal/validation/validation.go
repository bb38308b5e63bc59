// Package validation provides input validation helpers and middleware
// for the Ops-Center billing API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text string fields
const MaxStringLength = 10000

// MaxIdentityLength bounds identity strings (emails, UUIDs, org_ ids)
const MaxIdentityLength = 255

var (
	// amountRegex validates non-negative decimal amounts ("10", "0.25")
	amountRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	// identityRegex validates identity strings: bounded tokens with no
	// whitespace (emails, UUIDs, org_ ids)
	identityRegex = regexp.MustCompile(`^[A-Za-z0-9@._+-]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAmount checks that a string is a non-negative decimal number.
func IsValidAmount(amount string) bool {
	return amountRegex.MatchString(strings.TrimSpace(amount))
}

// IsValidIdentity checks that an identity string is well-formed.
func IsValidIdentity(id string) bool {
	if id == "" || len(id) > MaxIdentityLength {
		return false
	}
	return identityRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a single field error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs a set of field validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAmount checks if a field is a valid non-negative decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAmount(value) {
			return &ValidationError{Field: field, Message: "must be a non-negative decimal number"}
		}
		return nil
	}
}

// ValidIdentity checks if a field is a well-formed identity string.
func ValidIdentity(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidIdentity(value) {
			return &ValidationError{Field: field, Message: "must be a valid identity string"}
		}
		return nil
	}
}
