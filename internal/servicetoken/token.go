// Package servicetoken authenticates transport frontends (chat bots, relays)
// to the gate with short-lived RS256 JWTs.
package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTTL    = 5 * time.Minute
	DefaultLeeway = 15 * time.Second
	DefaultKeyID  = "frontend-active"
	// DefaultAudience is the audience the gate accepts unless configured otherwise.
	DefaultAudience = "mediagate"
)

var (
	ErrMissingToken = errors.New("service token required")
	ErrInvalidToken = errors.New("invalid service token")
)

// Claims are the registered claims plus the frontend's transport name.
type Claims struct {
	jwt.RegisteredClaims
	Transport string `json:"transport,omitempty"`
}

// SignerOptions configures a frontend token signer.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	// Issuer names the frontend, e.g. "telegram-bot".
	Issuer string
	TTL    time.Duration
}

// Signer mints tokens for one frontend.
type Signer struct {
	key    *rsa.PrivateKey
	kid    string
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := loadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load service token private key: %w", err)
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{key: key, kid: kid, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Sign issues a token for audience on behalf of the given transport.
func (s *Signer) Sign(audience, transport string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := s.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        newJTI(),
		},
		Transport: strings.TrimSpace(transport),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// VerifierOptions configures token verification. PublicKeyPath is registered
// under DefaultKeyID; PublicKeys adds more keys by kid for rotation.
type VerifierOptions struct {
	PublicKeyPath  string
	DefaultKeyID   string
	PublicKeys     map[string]string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

// Verifier checks signature, expiry, audience and issuer of frontend tokens.
type Verifier struct {
	keys     map[string]*rsa.PublicKey
	audience string
	issuers  map[string]struct{}
	leeway   time.Duration
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = DefaultAudience
	}
	issuers := make(map[string]struct{}, len(opts.AllowedIssuers))
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	v := &Verifier{
		keys:     make(map[string]*rsa.PublicKey),
		audience: audience,
		issuers:  issuers,
		leeway:   leeway,
	}
	if path := strings.TrimSpace(opts.PublicKeyPath); path != "" {
		kid := strings.TrimSpace(opts.DefaultKeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		key, err := loadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load service token public key: %w", err)
		}
		v.keys[kid] = key
	}
	for kid, path := range opts.PublicKeys {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		key, err := loadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load service token key %q: %w", kid, err)
		}
		v.keys[kid] = key
	}
	if len(v.keys) == 0 {
		return nil, errors.New("service token verifier requires a public key")
	}
	return v, nil
}

// Verify validates token. Failures wrap ErrInvalidToken.
func (v *Verifier) Verify(token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return claims, ErrInvalidToken
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, fmt.Errorf("%w: issuer %q not allowed", ErrInvalidToken, claims.Issuer)
	}
	if claims.ID == "" {
		return claims, fmt.Errorf("%w: jti required", ErrInvalidToken)
	}
	return claims, nil
}

// VerifyRequest verifies the bearer token of r.
func (v *Verifier) VerifyRequest(r *http.Request) (Claims, error) {
	token, ok := BearerToken(r)
	if !ok {
		return Claims{}, ErrMissingToken
	}
	return v.Verify(token)
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token key id required")
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown token key %q", kid)
	}
	return key, nil
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func newJTI() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
