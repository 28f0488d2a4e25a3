// Package validation provides input validation for the Pacebreak API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 4096

// MaxBatchSize caps how many events a single ingestion request may carry.
const MaxBatchSize = 100

var (
	// deviceIdentifierRegex matches stable per-install identifiers
	// (UUID-ish or vendor identifiers; letters, digits, dash, underscore).
	deviceIdentifierRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)
	// idRegex matches server-assigned prefixed IDs (e.g. ses_..., ivn_...).
	idRegex = regexp.MustCompile(`^[a-z]{2,4}_[a-f0-9]{24}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidDeviceIdentifier checks a client-supplied device identifier.
func IsValidDeviceIdentifier(s string) bool {
	return deviceIdentifierRegex.MatchString(s)
}

// IsValidID checks a server-assigned prefixed ID.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// IsValidHHMM checks a bedtime boundary like "23:00".
func IsValidHHMM(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}

// IsValidTimezone checks an IANA timezone name.
func IsValidTimezone(s string) bool {
	if s == "" {
		return false
	}
	_, err := time.LoadLocation(s)
	return err == nil
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error joins all messages into one string.
func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(parts, "; ")
}

// Check is a single validation to run; nil means the field is valid.
type Check func() *ValidationError

// Validate runs all checks and collects failures.
func Validate(checks ...Check) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if e := check(); e != nil {
			errs = append(errs, *e)
		}
	}
	return errs
}

// Required fails when the value is empty.
func Required(field, value string) Check {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidDeviceIdentifier validates a device identifier field.
func ValidDeviceIdentifier(field, value string) Check {
	return func() *ValidationError {
		if !IsValidDeviceIdentifier(value) {
			return &ValidationError{Field: field, Message: "must be 8-128 characters of letters, digits, dash, or underscore"}
		}
		return nil
	}
}

// OneOf validates that the value is a member of allowed.
func OneOf(field, value string, allowed ...string) Check {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of: " + strings.Join(allowed, ", ")}
	}
}

// ValidHHMM validates a bedtime boundary field.
func ValidHHMM(field, value string) Check {
	return func() *ValidationError {
		if !IsValidHHMM(value) {
			return &ValidationError{Field: field, Message: "must be HH:MM (24-hour)"}
		}
		return nil
	}
}

// ValidTimezone validates an IANA timezone field.
func ValidTimezone(field, value string) Check {
	return func() *ValidationError {
		if !IsValidTimezone(value) {
			return &ValidationError{Field: field, Message: "must be a valid IANA timezone"}
		}
		return nil
	}
}

// Positive validates that an integer field is > 0.
func Positive(field string, value int) Check {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}
