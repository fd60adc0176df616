package welfarekit

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the platform issues. The subject is the user ID.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens issued by the platform's identity service.
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewTokenVerifier creates a verifier. Empty issuer or audience are not checked.
func NewTokenVerifier(secret, issuer, audience string, ttl time.Duration) (*TokenVerifier, error) {
	if len(secret) < 32 {
		return nil, NewError(ErrConfiguration, "JWT secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		clock:    time.Now,
	}, nil
}

// Issue signs a token for userID. Used by the identity service and in tests.
func (v *TokenVerifier) Issue(userID, name string) (string, error) {
	now := v.clock()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token and returns its claims.
// Every failure wraps ErrAuthentication.
func (v *TokenVerifier) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, NewError(ErrAuthentication, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, NewError(ErrAuthentication, "invalid token claims")
	}
	return claims, nil
}
