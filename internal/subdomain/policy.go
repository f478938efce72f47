// Package subdomain implements the allocation and validation policy
// applied to every tunnel's public subdomain, ahead of authentication.
package subdomain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// minLength and maxLength bound a valid subdomain label.
const (
	minLength = 3
	maxLength = 63
)

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reserved holds names that would collide with operational routes or
// read as official/ambiguous if handed out as a tunnel subdomain.
var reserved = map[string]struct{}{
	"www": {}, "api": {}, "admin": {}, "dashboard": {}, "app": {},
	"mail": {}, "ftp": {}, "localhost": {}, "webmail": {}, "smtp": {},
	"pop": {}, "ns": {}, "dns": {}, "support": {}, "help": {},
	"secure": {}, "ssl": {}, "vpn": {},
}

// Generate returns a fresh random 8-character lowercase-hex subdomain
// candidate. Callers must still check Registry uniqueness before use.
func Generate() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate subdomain: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Validate reports whether s is an acceptable subdomain label: the
// right length, valid hostname-label characters, and not a reserved
// word. It does not check registry uniqueness.
func Validate(s string) error {
	if len(s) < minLength || len(s) > maxLength {
		return fmt.Errorf("subdomain must be between %d and %d characters", minLength, maxLength)
	}
	if !labelPattern.MatchString(s) {
		return fmt.Errorf("subdomain must contain only lowercase letters, digits, and hyphens, and not start or end with a hyphen")
	}
	if _, ok := reserved[strings.ToLower(s)]; ok {
		return fmt.Errorf("subdomain %q is reserved", s)
	}
	return nil
}

// IsReserved reports whether name is on the reserved list, independent
// of length/format validation.
func IsReserved(name string) bool {
	_, ok := reserved[strings.ToLower(name)]
	return ok
}
