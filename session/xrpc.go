package session

// Endpoint names for the session lifecycle procedures.
const (
	endpointCreateSession  = "com.atproto.server.createSession"
	endpointRefreshSession = "com.atproto.server.refreshSession"
	endpointGetSession     = "com.atproto.server.getSession"
	endpointDeleteSession  = "com.atproto.server.deleteSession"
)

// server error name indicating an expired access token
const errNameExpiredToken = "ExpiredToken"

// server error name indicating a second factor is required to log in
const errNameAuthFactorRequired = "AuthFactorTokenRequired"

type createSessionInput struct {
	Identifier      string  `json:"identifier"`
	Password        string  `json:"password"`
	AuthFactorToken *string `json:"authFactorToken,omitempty"`
}

type sessionOutput struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	Did        string `json:"did"`
	Active     *bool  `json:"active,omitempty"`
	Status     string `json:"status,omitempty"`
}

type getSessionOutput struct {
	Handle string `json:"handle"`
	Did    string `json:"did"`
	Active *bool  `json:"active,omitempty"`
	Status string `json:"status,omitempty"`
}
