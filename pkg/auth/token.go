package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/andrew-markin/blobs/pkg/types"
)

// ErrAccessDenied is the single outcome for every verification failure.
// Callers never learn whether the token was malformed, forged or missing
// its claim.
var ErrAccessDenied = errors.New("access denied")

// Signer mints and verifies the bearer tokens that bind a connection to a
// bucket. Tokens are HS256-signed over a claims payload with a single
// "bucket" field; the HMAC comparison inside the JWT library is
// constant-time.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer around the process-wide secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

type bucketClaims struct {
	Bucket string `json:"bucket"`
	jwt.RegisteredClaims
}

// Mint produces a signed token carrying the bucket claim.
func (s *Signer) Mint(bucket string) (string, error) {
	if err := types.ValidateBucket(bucket); err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, bucketClaims{Bucket: bucket})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify decodes a token and returns the bucket it authorizes. Any failure
// yields ErrAccessDenied.
func (s *Signer) Verify(tokenString string) (string, error) {
	var claims bucketClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrAccessDenied
	}
	if types.ValidateBucket(claims.Bucket) != nil {
		return "", ErrAccessDenied
	}
	return claims.Bucket, nil
}
