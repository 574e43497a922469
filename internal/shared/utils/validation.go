package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxApplicationIDLength bounds identifiers interpolated into privileged shell text.
const MaxApplicationIDLength = 256

// ApplicationIDPattern is the dot-delimited identifier grammar: at least two
// segments, each starting with a letter.
var ApplicationIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

// shellMetacharacters must never reach a privileged shell unquoted.
const shellMetacharacters = ";&|`$(){}<>!\\\"' \n\r\t"

// ValidationError reports a rejected application identifier.
type ValidationError struct {
	Label  string
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("invalid application id %q: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("invalid %s application id %q: %s", e.Label, e.ID, e.Reason)
}

// IsValidApplicationID reports whether id is safe to hand to the executor.
func IsValidApplicationID(id string) bool {
	return checkApplicationID(id) == ""
}

// ValidateApplicationID returns a *ValidationError naming label when id is rejected.
func ValidateApplicationID(id, label string) error {
	if reason := checkApplicationID(id); reason != "" {
		return &ValidationError{Label: label, ID: id, Reason: reason}
	}
	return nil
}

// ValidateDistinct validates both identifiers and rejects a self-migration.
func ValidateDistinct(source, target string) error {
	if err := ValidateApplicationID(source, "source"); err != nil {
		return err
	}
	if err := ValidateApplicationID(target, "target"); err != nil {
		return err
	}
	if source == target {
		return &ValidationError{Label: "target", ID: target, Reason: "source and target are the same application"}
	}
	return nil
}

func checkApplicationID(id string) string {
	switch {
	case id == "":
		return "identifier is empty"
	case len(id) > MaxApplicationIDLength:
		return fmt.Sprintf("identifier exceeds %d characters", MaxApplicationIDLength)
	case strings.ContainsAny(id, shellMetacharacters):
		return "identifier contains shell metacharacters"
	case strings.ContainsRune(id, 0):
		return "identifier contains a null byte"
	case !ApplicationIDPattern.MatchString(id):
		return "identifier is not a dot-delimited package name"
	}
	return ""
}
