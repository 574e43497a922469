package types

import (
	"fmt"
	"strings"
)

// Family is the on-disk data-layout convention an application follows.
type Family int

const (
	FamilyUnknown Family = iota
	// FamilyGecko keeps one mutable sub-profile under files/mozilla with an
	// INI profile registry and prefs written as user_pref statements.
	FamilyGecko
	// FamilyChromium keeps a fixed app_* base directory with JSON preference
	// documents and a Default profile inside it.
	FamilyChromium
)

// String returns the string representation of the family
func (f Family) String() string {
	switch f {
	case FamilyGecko:
		return "gecko"
	case FamilyChromium:
		return "chromium"
	default:
		return "unknown"
	}
}

// Known reports whether the family is resolved.
func (f Family) Known() bool {
	return f == FamilyGecko || f == FamilyChromium
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Family) UnmarshalText(text []byte) error {
	parsed, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFamily converts a family name (or one of its aliases) into a Family.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gecko", "firefox", "a":
		return FamilyGecko, nil
	case "chromium", "chrome", "b":
		return FamilyChromium, nil
	case "", "unknown":
		return FamilyUnknown, nil
	}
	return FamilyUnknown, fmt.Errorf("unknown data-layout family %q", s)
}

// ApplicationRecord identifies one installed application for the duration
// of a migration. It is never mutated after construction.
type ApplicationRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Family      Family `json:"family"`
	Installed   bool   `json:"installed"`
}

// Label returns the display name, falling back to the identifier.
func (r ApplicationRecord) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID
}
