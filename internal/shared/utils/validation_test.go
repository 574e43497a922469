package utils

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidApplicationID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"simple", "org.mozilla.firefox", true},
		{"underscore", "org.mozilla.firefox_beta", true},
		{"digits", "com.opera.browser2", true},
		{"two segments", "a.b", true},
		{"empty", "", false},
		{"single segment", "firefox", false},
		{"leading digit segment", "org.1mozilla", false},
		{"trailing dot", "org.mozilla.", false},
		{"double dot", "org..mozilla", false},
		{"hyphen", "org.mozilla-firefox", false},
		{"semicolon injection", "org.a; rm -rf /", false},
		{"command substitution", "org.a$(whoami)", false},
		{"backticks", "org.a`id`", false},
		{"embedded space", "org.mozilla firefox", false},
		{"pipe", "org.a|sh", false},
		{"ampersand", "org.a&&reboot", false},
		{"redirect", "org.a>x", false},
		{"braces", "org.a{b}", false},
		{"bang", "org.a!", false},
		{"backslash", "org.a\\b", false},
		{"double quote", "org.a\"b", false},
		{"single quote", "org.a'b", false},
		{"newline", "org.a\nreboot", false},
		{"carriage return", "org.a\rb", false},
		{"tab", "org.a\tb", false},
		{"too long", "a." + strings.Repeat("b", MaxApplicationIDLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidApplicationID(tt.id))
		})
	}
}

func TestMetacharactersAlwaysRejected(t *testing.T) {
	for _, r := range shellMetacharacters {
		for _, id := range []string{
			"org.mozilla" + string(r) + "firefox",
			"org.mozilla.firefox" + string(r),
			string(r) + "org.mozilla.firefox",
		} {
			assert.False(t, IsValidApplicationID(id), "accepted %q", id)
		}
	}
}

func FuzzIsValidApplicationID(f *testing.F) {
	for _, seed := range []string{"org.mozilla.firefox", "; rm -rf /", "$(whoami)", "`id`", "a b.c"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, id string) {
		if IsValidApplicationID(id) && strings.ContainsAny(id, shellMetacharacters) {
			t.Fatalf("accepted identifier with metacharacters: %q", id)
		}
	})
}

func TestValidateApplicationID(t *testing.T) {
	err := ValidateApplicationID("org.a; reboot", "source")
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "source", verr.Label)
	assert.Contains(t, err.Error(), "source")
	assert.Contains(t, err.Error(), "metacharacters")

	assert.NoError(t, ValidateApplicationID("com.android.chrome", "target"))
}

func TestValidateDistinct(t *testing.T) {
	assert.NoError(t, ValidateDistinct("org.mozilla.firefox", "org.mozilla.fenix"))

	err := ValidateDistinct("org.mozilla.firefox", "org.mozilla.firefox")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Reason, "same application")

	err = ValidateDistinct("bad id", "org.mozilla.fenix")
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "source", verr.Label)
}
