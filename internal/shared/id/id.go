// Package id generates the identifiers that tag migration runs, rollback
// runs and API requests.
//
// All identifiers are prefixed ULIDs: lexicographically sortable by creation
// time, so backup listings, log lines and run registries order naturally.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunID identifies one migration attempt
type RunID string

// RollbackID identifies one rollback attempt
type RollbackID string

// RequestID identifies an API request
type RequestID string

const (
	RunPrefix      = "run"
	RollbackPrefix = "rbk"
	RequestPrefix  = "req"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by monotonic crypto entropy, so
// identifiers created within the same millisecond still sort in order.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(ulid.Monotonic(rand.Reader, 0))
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRunID generates a new migration run ID
func NewRunID() RunID {
	return RunID(Default().GenerateWithPrefix(RunPrefix))
}

// NewRollbackID generates a new rollback run ID
func NewRollbackID() RollbackID {
	return RollbackID(Default().GenerateWithPrefix(RollbackPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id RunID) String() string      { return string(id) }
func (id RollbackID) String() string { return string(id) }
func (id RequestID) String() string  { return string(id) }

// ParseRunID validates a run ID received from a client.
func ParseRunID(s string) (RunID, error) {
	if _, err := parsePrefixed(s, RunPrefix); err != nil {
		return "", err
	}
	return RunID(s), nil
}

// Timestamp extracts the creation time carried by a prefixed identifier.
func Timestamp(prefixed string) (time.Time, error) {
	_, rest, ok := strings.Cut(prefixed, "_")
	if !ok {
		rest = prefixed
	}
	parsed, err := ulid.Parse(rest)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// IsValid checks if a bare string is a valid ULID
func IsValid(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

func parsePrefixed(s, prefix string) (ulid.ULID, error) {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return ulid.ULID{}, fmt.Errorf("identifier %q lacks %q prefix", s, prefix)
	}
	parsed, err := ulid.Parse(rest)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("identifier %q: %w", s, err)
	}
	return parsed, nil
}
