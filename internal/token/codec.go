package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. Callers must not surface which of these fired;
// the gateway collapses all of them into a generic unauthenticated
// response.
var (
	ErrMalformed           = errors.New("token is malformed")
	ErrExpired             = errors.New("token has expired")
	ErrInvalidSignature    = errors.New("token signature is invalid")
	ErrUnexpectedAlgorithm = errors.New("token algorithm does not match configured algorithm")
)

var signingMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// RevocationKey is the Redis key under which a logged-out token is held
// until its expiry. The login service writes it; the account-service
// gateway checks it.
func RevocationKey(tokenString string) string {
	return "revoked:" + tokenString
}

// Claims is the verified content of a session token.
type Claims struct {
	PrincipalID int64
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Codec signs and verifies session tokens with a single shared secret and
// a fixed algorithm. Both are loaded once at startup; rotation means
// redeploying every service that trusts the secret. The codec holds no
// other state, so verification needs no locking.
type Codec struct {
	secret    []byte
	algorithm string
	method    jwt.SigningMethod
}

// NewCodec builds a codec for one of the supported HMAC algorithms.
func NewCodec(secret, algorithm string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("token: secret must not be empty")
	}
	method, ok := signingMethods[algorithm]
	if !ok {
		return nil, fmt.Errorf("token: unsupported algorithm %q", algorithm)
	}
	return &Codec{
		secret:    []byte(secret),
		algorithm: algorithm,
		method:    method,
	}, nil
}

// Algorithm returns the configured signing algorithm name.
func (c *Codec) Algorithm() string {
	return c.algorithm
}

// Issue signs a token asserting principalID for ttl. The signature covers
// the full claim set, so two tokens with the same signature carry
// identical claims.
func (c *Codec) Issue(principalID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(principalID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
}

// Verify checks the signature and expiry of tokenString and returns its
// claims. A token signed under any algorithm other than the configured
// one is refused outright, never downgraded. HMAC comparison inside
// golang-jwt is constant-time.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != c.algorithm {
			return nil, ErrUnexpectedAlgorithm
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{c.algorithm}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}

	principalID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}

	out := &Claims{PrincipalID: principalID}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnexpectedAlgorithm):
		return ErrUnexpectedAlgorithm
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrUnexpectedAlgorithm
	default:
		return ErrMalformed
	}
}
