package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid is returned by [Manager.Verify] for every expected verification
// failure: expired, tampered, wrong issuer or audience, malformed input.
// Callers that need the underlying parser detail can unwrap it.
var ErrInvalid = errors.New("invalid access credential")

// Config defines signing parameters for the access-credential codec.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	// Secret is the HS256 signing key. Verification is offline; every server
	// instance holding the secret can verify without shared state.
	Secret []byte

	Issuer   string
	Audience string

	// AccessTTL is the default lifetime used when Issue is called with a
	// non-positive ttl.
	AccessTTL time.Duration
}

// Identity carries the subject data embedded into an access credential at
// issuance. The permission map pairs a module name with its permission level
// and comes from the authorization collaborator; the codec treats it as
// opaque data.
type Identity struct {
	UserID      string
	Email       string
	Roles       string
	Permissions map[string]string
}

// AccessClaims is the signed payload of an access credential. It is never
// persisted; the credential is reconstructible from the token string alone.
type AccessClaims struct {
	Email       string            `json:"email,omitempty"`
	Roles       string            `json:"roles,omitempty"`
	Permissions map[string]string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and verifies stateless signed access credentials.
//
// Manager is safe for concurrent use after construction.
type Manager struct {
	config Config
}

// NewManager validates the codec configuration. A missing secret or
// non-positive default TTL is a misconfiguration and fails construction;
// Issue itself cannot fail afterwards except on signer errors.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("token: invalid access TTL configuration")
	}
	return &Manager{config: cfg}, nil
}

// Issue creates a signed access credential for identity with the given
// lifetime. A non-positive ttl falls back to the configured AccessTTL.
func (m *Manager) Issue(identity Identity, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.config.AccessTTL
	}

	now := time.Now()
	claims := AccessClaims{
		Email:       identity.Email,
		Roles:       identity.Roles,
		Permissions: identity.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.Secret)
}

// Verify checks signature, issuer, audience, and expiry with zero clock-skew
// tolerance and returns the embedded claims. All expected failure paths
// return an error wrapping [ErrInvalid]; Verify never panics on malformed
// input.
func (m *Manager) Verify(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		return m.config.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, jwt.ErrTokenInvalidClaims)
	}

	return claims, nil
}

// ExtractSubject returns the subject claim without verifying the signature.
// It exists for logging and metrics labels only; authorization decisions must
// go through Verify.
func (m *Manager) ExtractSubject(tokenStr string) string {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return ""
	}
	return claims.Subject
}
