package identity

import (
	"net/url"
	"strings"

	"github.com/meridian-social/meridian/syntax"
)

// Represents an account identity: the result of running the full resolution chain for a handle or DID.
//
// This is a transient, parsed view of a DID document. It is not persisted beyond resolution; durable session state lives in the session package.
type Identity struct {
	DID    syntax.DID
	Handle syntax.Handle

	AlsoKnownAs []string
	Services    map[string]Service
}

type Service struct {
	Type string
	URL  string
}

// Extracts the relevant parts of a DID document into an Identity struct.
//
// Service IDs are stored keyed by their fragment (the part after '#'), which is how they are selected in practice.
func ParseIdentity(doc *DIDDocument) Identity {
	svc := make(map[string]Service, len(doc.Service))
	for _, s := range doc.Service {
		idx := strings.LastIndex(s.ID, "#")
		if idx < 0 {
			continue
		}
		frag := s.ID[idx+1:]
		if _, ok := svc[frag]; ok {
			// first declaration of a fragment wins; ignore duplicates
			continue
		}
		svc[frag] = Service{
			Type: s.Type,
			URL:  s.ServiceEndpoint,
		}
	}
	return Identity{
		DID:         doc.DID,
		Handle:      syntax.HandleInvalid,
		AlsoKnownAs: doc.AlsoKnownAs,
		Services:    svc,
	}
}

// Returns the account's PDS service endpoint URL, or empty string if the DID document does not declare one (or declares one which is not a valid URL).
//
// An empty or missing service list is treated the same as a missing PDS entry: not found, not a hard error.
func (i *Identity) PDSEndpoint() string {
	return i.GetServiceEndpoint("atproto_pds")
}

// Returns the service endpoint URL for the service with the given ID fragment, or empty string.
func (i *Identity) GetServiceEndpoint(id string) string {
	endpoint, ok := i.Services[id]
	if !ok {
		return ""
	}
	u, err := url.Parse(endpoint.URL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return endpoint.URL
}

// The handle declared in the DID document ('at://' entry in alsoKnownAs), if any.
//
// Note that a declared handle is a claim by the document, not proof of control; callers that care must resolve the handle forward and compare DIDs.
func (i *Identity) DeclaredHandle() (syntax.Handle, error) {
	for _, aka := range i.AlsoKnownAs {
		if strings.HasPrefix(aka, "at://") && len(aka) > len("at://") {
			return syntax.ParseHandle(aka[5:])
		}
	}
	return "", ErrHandleNotDeclared
}
