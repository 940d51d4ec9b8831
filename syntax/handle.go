package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Placeholder handle value used when resolution fails or an account has no usable handle. Syntactically a handle; the 'invalid' TLD guarantees it can never be registered for real.
var HandleInvalid = Handle("handle.invalid")

var handleRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// Syntactically valid handle identifier: domain-name shaped, case-insensitive.
//
// Construct values with ParseHandle rather than converting strings directly, so that validation always runs on external input.
type Handle string

// Validates the string against the handle grammar (DNS name shape, 253 character cap) and returns it typed.
func ParseHandle(raw string) (Handle, error) {
	if raw == "" {
		return "", errors.New("expected handle, got empty string")
	}
	if len(raw) > 253 {
		return "", errors.New("handle is too long (253 chars max)")
	}
	if !handleRegex.MatchString(raw) {
		return "", fmt.Errorf("handle syntax didn't validate via regex: %s", raw)
	}
	return Handle(raw), nil
}

// Reports whether the handle's top-level domain is acceptable for account registration and linking. Several special-use TLDs are syntactically fine but reserved, and can never identify a live account.
//
// The 'test' and 'example' TLDs are permitted: they are useful in development and documentation setups, where resolution runs against local or stubbed DNS rather than the public network.
func (h Handle) AllowedTLD() bool {
	switch h.TLD() {
	case "local",
		"arpa",
		"invalid",
		"localhost",
		"internal",
		"onion",
		"alt":
		return false
	}
	return true
}

func (h Handle) TLD() string {
	parts := strings.Split(string(h.Normalize()), ".")
	return parts[len(parts)-1]
}

// Reports whether this is the special "handle.invalid" placeholder.
func (h Handle) IsInvalidHandle() bool {
	return h.Normalize() == HandleInvalid
}

// Lower-cases the handle. Handles are case-insensitive; the normalized form is what gets stored and compared.
func (h Handle) Normalize() Handle {
	return Handle(strings.ToLower(string(h)))
}

func (h Handle) String() string {
	return string(h)
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	handle, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = handle
	return nil
}
