package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RS256Signer signs pass claims with a service-account RSA key
type RS256Signer struct{}

// Sign parses the PEM key (PKCS#1 or PKCS#8) and returns the RS256 token
func (RS256Signer) Sign(_ context.Context, privateKey string, claims jwt.Claims) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(NormalizePrivateKey(privateKey)))
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// NormalizePrivateKey turns escaped "\n" sequences, as found in env vars, into real newlines
func NormalizePrivateKey(key string) string {
	return strings.ReplaceAll(key, `\n`, "\n")
}
