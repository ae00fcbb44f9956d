package notary

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"
)

// Tokens are minted on demand and oauth2.NewClient renews them through
// ReuseTokenSource, so the lifetime only has to outlast a single request
// plus clock skew. The API rejects anything greater than 20 minutes.
const tokenExpiry = 5 * time.Minute

// connectTokenSource mints short-lived ES256 bearer tokens for the App
// Store Connect API from a downloaded AuthKey .p8 file.
type connectTokenSource struct {
	issuer string
	signer jose.Signer
}

func newConnectTokenSource(keyFile, keyID, issuer string) (oauth2.TokenSource, error) {
	key, err := readConnectKey(keyFile)
	if err != nil {
		return nil, err
	}
	opts := &jose.SignerOptions{ExtraHeaders: map[jose.HeaderKey]any{
		"kid": keyID,
		"typ": "JWT",
	}}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.ES256,
		Key:       key,
	}, opts)
	if err != nil {
		return nil, err
	}
	return &connectTokenSource{
		issuer: issuer,
		signer: signer,
	}, nil
}

// readConnectKey parses the PKCS#8 signing key that App Store Connect
// issues for API access.
func readConnectKey(keyFile string) (*ecdsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	pemBlock, _ := pem.Decode(pemBytes)
	if pemBlock == nil || pemBlock.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("parsing %s: expected PRIVATE KEY", keyFile)
	}
	priv, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", keyFile, err)
	}
	ecPriv, ok := priv.(*ecdsa.PrivateKey)
	if !ok || ecPriv.Curve.Params().BitSize != 256 {
		return nil, fmt.Errorf("parsing %s: expected ECDSA P-256 private key", keyFile)
	}
	return ecPriv, nil
}

func (s *connectTokenSource) Token() (*oauth2.Token, error) {
	issuedAt := time.Now()
	expiresAt := issuedAt.Add(tokenExpiry)
	claims := jwt.Claims{
		Issuer:   s.issuer,
		Audience: jwt.Audience{"appstoreconnect-v1"},
		IssuedAt: jwt.NewNumericDate(issuedAt),
		Expiry:   jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return nil, fmt.Errorf("signing oauth bearer jwt: %w", err)
	}
	return &oauth2.Token{
		AccessToken: token,
		Expiry:      expiresAt,
	}, nil
}
