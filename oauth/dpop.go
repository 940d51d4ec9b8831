package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtExpiration = 30 * time.Second

type dpopClaims struct {
	jwt.RegisteredClaims

	HTTPMethod      string  `json:"htm"`
	TargetURI       string  `json:"htu"`
	AccessTokenHash *string `json:"ath,omitempty"`
	Nonce           *string `json:"nonce,omitempty"`
}

// Generates a fresh P-256 key for DPoP proof-of-possession binding.
func GenerateDPoPKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Serializes a DPoP private key to a PEM string, the opaque form carried in session data.
func EncodeDPoPKey(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", err
	}
	block := pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(&block)), nil
}

func DecodeDPoPKey(raw string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in DPoP key material")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func publicJWK(key *ecdsa.PrivateKey) map[string]string {
	byteLen := (key.Curve.Params().BitSize + 7) / 8
	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(key.X.FillBytes(make([]byte, byteLen))),
		"y":   base64.RawURLEncoding.EncodeToString(key.Y.FillBytes(make([]byte, byteLen))),
	}
}

// Mints a DPoP proof JWT for the given request. accessToken and dpopNonce may be empty when not applicable (eg, token endpoint requests before any nonce was issued).
func NewDPoPJWT(key *ecdsa.PrivateKey, httpMethod, targetURL, dpopNonce, accessToken string) (string, error) {
	claims := dpopClaims{
		HTTPMethod: httpMethod,
		TargetURI:  targetURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomNonce(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(jwtExpiration)),
		},
	}
	if dpopNonce != "" {
		claims.Nonce = &dpopNonce
	}
	if accessToken != "" {
		ath := S256CodeChallenge(accessToken)
		claims.AccessTokenHash = &ath
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = publicJWK(key)
	return token.SignedString(key)
}

func S256CodeChallenge(raw string) string {
	b := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(b[:])
}

func randomNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
