package client

import (
	"net/http"

	"github.com/meridian-social/meridian/syntax"
)

// Seam between the transport and whatever credential mechanism is in play (bearer tokens, DPoP, none).
//
// Implementations attach credentials to the outgoing request and may transparently recover from expired-token rejections before handing the response back.
type AuthMethod interface {
	DoWithAuth(httpReq *http.Request, httpClient *http.Client) (*http.Response, error)
	AccountDID() syntax.DID
}
