package utils

import (
	"fmt"
	"regexp"
	"time"
)

// DateLayout is the wire format for calendar dates in request payloads
const DateLayout = "2006-01-02"

// TimeOfDayLayout is the wire format for clock times in request payloads
const TimeOfDayLayout = "15:04"

// ParseDate parses a YYYY-MM-DD date
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", value)
	}
	return t, nil
}

// ParseTimeOfDay parses an HH:MM clock time
func ParseTimeOfDay(value string) (time.Time, error) {
	t, err := time.Parse(TimeOfDayLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, expected HH:MM", value)
	}
	return t, nil
}

// ValidateAmount validates a claim amount
func ValidateAmount(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive: %.2f", amount)
	}

	if amount > 100000 {
		return fmt.Errorf("amount exceeds maximum limit: %.2f", amount)
	}

	return nil
}

// SanitizeString removes control characters from free-text input
func SanitizeString(s string) string {
	sanitized := regexp.MustCompile(`[\x00-\x1f\x7f]`).ReplaceAllString(s, "")
	return sanitized
}
