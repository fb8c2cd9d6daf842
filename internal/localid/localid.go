// Package localid generates and validates client-local identifiers for
// offline records. Local identifiers live in their own namespace so no
// component ever confuses them with server-assigned identifiers.
package localid

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix marks the client-local identifier namespace.
const Prefix = "local_"

// Local identifier format: local_<unix millis>_<12 hex chars>.
var localIDRegex = regexp.MustCompile(`^local_\d+_[0-9a-f]{12}$`)

// New generates a device-unique local identifier. Uniqueness comes from the
// millisecond timestamp plus a random suffix; cryptographic strength is not
// required.
func New() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%s%d_%s", Prefix, time.Now().UnixMilli(), suffix)
}

// IsLocal reports whether id belongs to the client-local namespace.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, Prefix)
}

// IsValid checks if a string is a well-formed local identifier.
func IsValid(id string) bool {
	return localIDRegex.MatchString(id)
}

// Validate returns an error if the string is not a valid local identifier.
func Validate(id string) error {
	if !IsValid(id) {
		return fmt.Errorf("invalid local identifier: %q", id)
	}
	return nil
}
