package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:    "authcore-test",
		Audience:  "lab-api",
		AccessTTL: 5 * time.Minute,
	}
}

func testIdentity() Identity {
	return Identity{
		UserID: "user-1",
		Email:  "tech@lab.example",
		Roles:  "LabTechnician",
		Permissions: map[string]string{
			"patients": "read",
			"receipts": "write",
		},
	}
}

func TestManagerIssueVerifyRoundtrip(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	tokenStr, err := m.Issue(testIdentity(), 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := m.Verify(tokenStr)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Email != "tech@lab.example" {
		t.Fatalf("unexpected email %q", claims.Email)
	}
	if claims.Roles != "LabTechnician" {
		t.Fatalf("unexpected roles %q", claims.Roles)
	}
	if claims.Permissions["receipts"] != "write" {
		t.Fatalf("unexpected permissions %v", claims.Permissions)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		t.Fatal("expected iat and exp claims")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != 5*time.Minute {
		t.Fatalf("unexpected ttl %v", got)
	}
}

func TestManagerRequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Secret = nil
	if _, err := NewManager(cfg); err == nil {
		t.Fatal("expected missing secret to fail construction")
	}

	cfg = testConfig()
	cfg.AccessTTL = 0
	if _, err := NewManager(cfg); err == nil {
		t.Fatal("expected zero TTL to fail construction")
	}
}

func TestManagerVerifyRejections(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	expired, err := m.Issue(testIdentity(), -2*time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	otherCfg := testConfig()
	otherCfg.Issuer = "someone-else"
	other, err := NewManager(otherCfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	wrongIssuer, err := other.Issue(testIdentity(), 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	valid, err := m.Issue(testIdentity(), 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	cases := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong issuer", wrongIssuer},
		{"tampered payload", tampered},
		{"garbage", "not-a-token"},
		{"empty", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Verify(tc.token); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestManagerVerifyZeroSkew(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	// A credential expiring right now must not be accepted: there is no
	// leeway window on expiry.
	tokenStr, err := m.Issue(testIdentity(), time.Millisecond)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	if _, err := m.Verify(tokenStr); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid after expiry, got %v", err)
	}
}

func TestExtractSubject(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	tokenStr, err := m.Issue(testIdentity(), 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if got := m.ExtractSubject(tokenStr); got != "user-1" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := m.ExtractSubject("garbage"); got != "" {
		t.Fatalf("expected empty subject for garbage input, got %q", got)
	}

	// ExtractSubject skips signature verification; a token signed with a
	// foreign key still yields its subject. That is why it must never be
	// used for authorization.
	foreignCfg := testConfig()
	foreignCfg.Secret = []byte("another-secret-another-secret-ab")
	foreign, err := NewManager(foreignCfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	foreignToken, err := foreign.Issue(testIdentity(), 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if got := m.ExtractSubject(foreignToken); got != "user-1" {
		t.Fatalf("unexpected subject %q", got)
	}
	if _, err := m.Verify(foreignToken); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for foreign signature, got %v", err)
	}
}
