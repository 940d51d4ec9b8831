package syntax

import (
	"fmt"
	"regexp"
	"strings"
)

var didRegex = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]*[a-zA-Z0-9._-]$`)

// Syntactically valid DID (decentralized identifier), in the form did:<method>:<identifier>.
//
// Construct values with ParseDID rather than converting strings directly. DIDs compare as exact, case-sensitive strings.
type DID string

// Validates the string against the DID grammar (2048 character cap) and returns it typed.
func ParseDID(raw string) (DID, error) {
	if raw == "" {
		return "", fmt.Errorf("expected DID, got empty string")
	}
	if len(raw) > 2*1024 {
		return "", fmt.Errorf("DID is too long (2048 chars max)")
	}
	if !didRegex.MatchString(raw) {
		return "", fmt.Errorf("DID syntax didn't validate via regex")
	}
	return DID(raw), nil
}

// The method segment ("plc", "web", ...), lower-cased.
func (d DID) Method() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) < 2 {
		// can't happen for a parsed DID; guard against raw conversions
		return ""
	}
	return strings.ToLower(parts[1])
}

// The method-specific identifier segment: everything after the second colon.
func (d DID) Identifier() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) < 3 {
		// can't happen for a parsed DID; guard against raw conversions
		return ""
	}
	return parts[2]
}

func (d DID) String() string {
	return string(d)
}

func (d DID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DID) UnmarshalText(text []byte) error {
	did, err := ParseDID(string(text))
	if err != nil {
		return err
	}
	*d = did
	return nil
}
