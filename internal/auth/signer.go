package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rotor.dev/internal/ids"
)

var errSigningKeyUnavailable = errors.New("signing key unavailable")

// ClockLeeway is the skew tolerated on exp, nbf and iat between the minting and the parsing node.
const ClockLeeway = 30 * time.Second

type tokenClaims struct {
	TokenType string `json:"token_type"`
	UserID    string `json:"user_id"`
	Family    string `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies credential JWTs. HS256 with a shared secret or RS256 with a key pair.
type Signer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
	leeway    time.Duration
	now       func() time.Time
}

// SignerOption configures Signer.
type SignerOption func(*Signer)

// WithSignerIssuer sets the iss claim written and required on parse.
func WithSignerIssuer(issuer string) SignerOption {
	return func(s *Signer) { s.issuer = strings.TrimSpace(issuer) }
}

// WithSignerKeyID sets the kid header.
func WithSignerKeyID(kid string) SignerOption {
	return func(s *Signer) { s.keyID = strings.TrimSpace(kid) }
}

// WithSignerClock overrides the time source used for validation.
func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSignerLeeway overrides ClockLeeway. Negative values are ignored.
func WithSignerLeeway(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d >= 0 {
			s.leeway = d
		}
	}
}

// NewHMACSigner builds an HS256 signer. An empty secret produces a signer that can only fail.
func NewHMACSigner(secret []byte, opts ...SignerOption) *Signer {
	s := &Signer{method: jwt.SigningMethodHS256, leeway: ClockLeeway, now: time.Now}
	if len(secret) > 0 {
		s.signKey = secret
		s.verifyKey = secret
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRSASigner builds an RS256 signer from PEM encoded keys.
func NewRSASigner(privatePEM, publicPEM string, opts ...SignerOption) (*Signer, error) {
	privatePEM = strings.TrimSpace(privatePEM)
	publicPEM = strings.TrimSpace(publicPEM)
	if privatePEM == "" || publicPEM == "" {
		return nil, errors.New("auth: both private and public keys are required")
	}
	priv, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	pub, err := parseRSAPublicKey(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	s := &Signer{method: jwt.SigningMethodRS256, signKey: priv, verifyKey: pub, leeway: ClockLeeway, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewEphemeralRSASigner generates an in-memory key pair for local runs.
func NewEphemeralRSASigner(opts ...SignerOption) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	s := &Signer{method: jwt.SigningMethodRS256, signKey: key, verifyKey: &key.PublicKey, leeway: ClockLeeway, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Algorithm returns the JWT alg this signer produces.
func (s *Signer) Algorithm() string { return s.method.Alg() }

// Sign mints a token for c. Missing keys yield ErrIssuance.
func (s *Signer) Sign(c Claims) (string, error) {
	if s == nil || s.signKey == nil {
		return "", fmt.Errorf("%w: %w", ErrIssuance, errSigningKeyUnavailable)
	}
	token := jwt.NewWithClaims(s.method, tokenClaims{
		TokenType: string(c.Kind),
		UserID:    c.Principal,
		Family:    c.FamilyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.CredentialID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	})
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("%w: sign token: %w", ErrIssuance, err)
	}
	return signed, nil
}

// Parse verifies signature, expiry and kind. Every failure is ErrInvalidCredential.
func (s *Signer) Parse(raw string, kind Kind) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || s == nil || s.verifyKey == nil {
		return Claims{}, ErrInvalidCredential
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		return s.verifyKey, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidCredential
	}
	if err := validateClaims(tc, kind); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	kid, _ := parsed.Header["kid"].(string)
	return Claims{
		CredentialID: tc.ID,
		Principal:    tc.UserID,
		FamilyID:     tc.Family,
		Kind:         Kind(tc.TokenType),
		Issuer:       tc.Issuer,
		KeyID:        kid,
		IssuedAt:     tc.IssuedAt.Time.UTC(),
		ExpiresAt:    tc.ExpiresAt.Time.UTC(),
	}, nil
}

func validateClaims(c *tokenClaims, kind Kind) error {
	if c.TokenType != string(kind) {
		return fmt.Errorf("unexpected token type %q", c.TokenType)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user_id missing")
	}
	if !ids.Valid(c.ID) {
		return errors.New("jti missing or malformed")
	}
	if kind == KindRenewal && strings.TrimSpace(c.Family) == "" {
		return errors.New("family missing")
	}
	if c.IssuedAt == nil {
		return errors.New("iat missing")
	}
	if c.ExpiresAt.Time.Before(c.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
