package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the JWS algorithm used for both token kinds.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519 keys.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256 over a shared secret.
	MethodHS256 SigningMethod = "hs256"
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Valid reports whether k is a known token kind.
func (k Kind) Valid() bool {
	return k == KindAccess || k == KindRefresh
}

var (
	// ErrMalformed is returned when a token cannot be parsed or its claims are structurally invalid.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid is returned when the signature or key selection fails.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrExpired is returned when the token's expiry lies in the past.
	ErrExpired = errors.New("token expired")
)

// Config defines signing keys, lifetimes and validation rules for the codec.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	// Leeway tolerates clock skew on iat only. Expiry is always strict.
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Manager mints and verifies signed access and refresh tokens.
//
// Manager holds no mutable state after construction and is safe for concurrent use.
type Manager struct {
	config Config
}

// Claims is the payload carried by every token minted by [Manager].
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	Kind  Kind     `json:"knd"`
	jwt.RegisteredClaims
}

// TokenID returns the unique token identifier (jti).
func (c *Claims) TokenID() string { return c.ID }

// SubjectID returns the principal the token was minted for.
func (c *Claims) SubjectID() string { return c.Subject }

// NewManager validates cfg and returns a ready codec.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL < time.Second {
		return nil, errors.New("invalid access TTL configuration")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, errors.New("refresh TTL must exceed access TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Manager{config: cfg}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.config.AccessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (m *Manager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

// Mint signs a token of the given kind for subjectID and returns it together
// with its freshly generated token id.
func (m *Manager) Mint(subjectID string, roles []string, kind Kind) (string, string, error) {
	tokenID := uuid.NewString()
	token, err := m.MintWithID(tokenID, subjectID, roles, kind)
	if err != nil {
		return "", "", err
	}
	return token, tokenID, nil
}

// MintWithID signs a token that carries a caller-chosen token id. The id must be a UUID.
func (m *Manager) MintWithID(tokenID, subjectID string, roles []string, kind Kind) (string, error) {
	if subjectID == "" {
		return "", errors.New("subject id is required")
	}
	if _, err := uuid.Parse(tokenID); err != nil {
		return "", fmt.Errorf("invalid token id: %w", err)
	}

	var ttl time.Duration
	switch kind {
	case KindAccess:
		ttl = m.config.AccessTTL
	case KindRefresh:
		ttl = m.config.RefreshTTL
	default:
		return "", fmt.Errorf("unsupported token kind %q", kind)
	}

	now := m.now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   subjectID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if len(roles) > 0 {
		claims.Roles = append([]string(nil), roles...)
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.getMethod(), claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	signKey, err := m.getSignKey()
	if err != nil {
		return "", err
	}

	return token.SignedString(signKey)
}

// Verify decodes tokenStr and checks its expiry, signature and claim shape.
// It never touches storage.
//
// Expiry is decided from the unverified claims before the signature check, so
// an expired token always fails with [ErrExpired].
func (m *Manager) Verify(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrMalformed
	}

	unverified := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, unverified); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if unverified.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrMalformed)
	}
	if m.now().After(unverified.ExpiresAt.Time) {
		return nil, ErrExpired
	}

	token, err := m.parser().ParseWithClaims(tokenStr, &Claims{}, m.keyFunc)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}
	if err := m.checkShape(claims); err != nil {
		return nil, err
	}

	return claims, nil
}

// VerifyKind is [Manager.Verify] plus a check that the token is of the expected kind.
func (m *Manager) VerifyKind(tokenStr string, kind Kind) (*Claims, error) {
	claims, err := m.Verify(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token", ErrMalformed, kind)
	}
	return claims, nil
}

func (m *Manager) parser() *jwt.Parser {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.getMethod().Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}
	return jwt.NewParser(options...)
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != m.getMethod().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if len(m.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return m.keyBytesToVerifyKey(key)
	}

	if m.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != m.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}

	return m.getVerifyKey()
}

func (m *Manager) checkShape(claims *Claims) error {
	if claims.Subject == "" {
		return fmt.Errorf("%w: missing sub", ErrMalformed)
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		return fmt.Errorf("%w: invalid jti", ErrMalformed)
	}
	if !claims.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind", ErrMalformed)
	}
	if claims.IssuedAt == nil || !claims.ExpiresAt.Time.After(claims.IssuedAt.Time) {
		return fmt.Errorf("%w: exp must follow iat", ErrMalformed)
	}
	if claims.IssuedAt.Time.After(m.now().Add(m.config.Leeway)) {
		return fmt.Errorf("%w: iat in the future", ErrMalformed)
	}
	return nil
}

// classify maps parser errors onto the codec's three failure kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func (m *Manager) now() time.Time {
	if m.config.Now != nil {
		return m.config.Now()
	}
	return time.Now()
}

func (m *Manager) getMethod() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (m *Manager) getSignKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		if len(m.config.PrivateKey) == 0 {
			return nil, errors.New("manager has no signing key")
		}
		return parseEdPrivateKey(m.config.PrivateKey)
	}
}

func (m *Manager) getVerifyKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
	}
}

func (m *Manager) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
