package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/labtrack/authcore/credential"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

type mockVerifier struct {
	mu      sync.Mutex
	users   map[string]UserIdentity // keyed by user ID
	byEmail map[string]string
	secrets map[string]string // identifier -> secret

	updatedHashes  map[string]string
	lockoutCleared []string
}

func newMockVerifier() *mockVerifier {
	return &mockVerifier{
		users:         map[string]UserIdentity{},
		byEmail:       map[string]string{},
		secrets:       map[string]string{},
		updatedHashes: map[string]string{},
	}
}

func (m *mockVerifier) addUser(id, email, roles, identifier, secret string) {
	m.users[id] = UserIdentity{UserID: id, Email: email, Roles: roles}
	m.byEmail[email] = id
	m.secrets[identifier] = secret
}

func (m *mockVerifier) VerifyCredentials(_ context.Context, identifier, secret string) (UserIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want, ok := m.secrets[identifier]
	if !ok || want != secret {
		return UserIdentity{}, errors.New("mismatch")
	}
	// The identifier doubles as the email address in these tests.
	id, ok := m.byEmail[identifier]
	if !ok {
		return UserIdentity{}, errors.New("mismatch")
	}
	return m.users[id], nil
}

func (m *mockVerifier) GetUserByID(_ context.Context, userID string) (UserIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return UserIdentity{}, errors.New("not found")
	}
	return u, nil
}

func (m *mockVerifier) GetUserByEmail(_ context.Context, email string) (UserIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return UserIdentity{}, errors.New("not found")
	}
	return m.users[id], nil
}

func (m *mockVerifier) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatedHashes[userID] = newHash
	return nil
}

func (m *mockVerifier) ClearLockout(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockoutCleared = append(m.lockoutCleared, userID)
	return nil
}

func (m *mockVerifier) hashFor(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatedHashes[userID]
}

type mockPerms struct{}

func (mockPerms) PermissionsFor(context.Context, string) (map[string]string, error) {
	return map[string]string{"samples": "write", "reports": "read"}, nil
}

type mockNotifier struct {
	messages chan [2]string // email, token value
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{messages: make(chan [2]string, 4)}
}

func (m *mockNotifier) SendResetMessage(_ context.Context, email, tokenValue string) error {
	m.messages <- [2]string{email, tokenValue}
	return nil
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.Secret = []byte("test-signing-secret-0123456789ab")
	cfg.Token.Issuer = "labtrack-test"
	cfg.Token.Audience = "labtrack-api"
	// Weakest argon2 parameters the hasher accepts, to keep tests fast.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Builder)) (*Engine, *mockVerifier, *mockNotifier) {
	t.Helper()

	verifier := newMockVerifier()
	verifier.addUser("u1", "alice@lab.example", "tech", "alice@lab.example", "correct horse battery")
	verifier.addUser("u2", "bob@lab.example", "supervisor", "bob@lab.example", "hunter2hunter2")
	notifier := newMockNotifier()

	b := New().
		WithConfig(testConfig()).
		WithRedis(newTestRedis(t)).
		WithIdentityVerifier(verifier).
		WithPermissionSource(mockPerms{}).
		WithResetNotifier(notifier)
	if mutate != nil {
		mutate(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, verifier, notifier
}

func TestLoginIssuesVerifiablePair(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@lab.example", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token in pair")
	}
	if pair.Identity.UserID != "u1" {
		t.Fatalf("identity user = %q, want u1", pair.Identity.UserID)
	}
	if !pair.ExpiresAt.After(time.Now()) {
		t.Fatal("access expiry not in the future")
	}

	res, err := engine.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.UserID != "u1" || res.Email != "alice@lab.example" || res.Roles != "tech" {
		t.Fatalf("unexpected auth result: %+v", res)
	}
	if res.Permissions["samples"] != "write" {
		t.Fatalf("permissions not embedded: %+v", res.Permissions)
	}

	sessions, err := engine.ActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(sessions))
	}
}

func TestLoginSingleRejectionError(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	cases := []struct {
		name               string
		identifier, secret string
	}{
		{"wrong secret", "alice@lab.example", "nope"},
		{"unknown identifier", "mallory@lab.example", "correct horse battery"},
		{"empty secret", "alice@lab.example", ""},
		{"empty identifier", "", "correct horse battery"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.Login(ctx, tc.identifier, tc.secret); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("got %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@lab.example", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	second, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("first Refresh failed: %v", err)
	}
	if second.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh value not rotated")
	}
	if _, err := engine.Validate(ctx, second.AccessToken); err != nil {
		t.Fatalf("refreshed access token invalid: %v", err)
	}

	// Presenting the rotated-out value is the theft signal; the whole
	// chain dies, including the freshly issued successor.
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("reused value: got %v, want ErrRefreshReuse", err)
	}
	if _, err := engine.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("successor after reuse: got %v, want ErrRefreshNotFound", err)
	}

	sessions, err := engine.ActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("active sessions after reuse = %d, want 0", len(sessions))
	}
}

func TestRefreshUnknownValue(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	if _, err := engine.Refresh(context.Background(), "never-issued"); !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("got %v, want ErrRefreshNotFound", err)
	}
	if _, err := engine.Refresh(context.Background(), ""); !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("empty value: got %v, want ErrRefreshNotFound", err)
	}
}

func TestLogoutRevokesOnlyPresentedSession(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	desk, err := engine.Login(ctx, "alice@lab.example", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	tablet, err := engine.Login(ctx, "alice@lab.example", "correct horse battery")
	if err != nil {
		t.Fatalf("second Login failed: %v", err)
	}

	if err := engine.Logout(ctx, desk.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, desk.RefreshToken); !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("logged-out value: got %v, want ErrRefreshNotFound", err)
	}

	// Sibling session is untouched.
	if _, err := engine.Refresh(ctx, tablet.RefreshToken); err != nil {
		t.Fatalf("sibling Refresh failed: %v", err)
	}

	// Retried logout is quiet.
	if err := engine.Logout(ctx, desk.RefreshToken); err != nil {
		t.Fatalf("repeated Logout: %v", err)
	}
	if err := engine.Logout(ctx, "never-issued"); err != nil {
		t.Fatalf("unknown value Logout: %v", err)
	}
}

func TestForceLogoutAllSessions(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice@lab.example", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	second, err := engine.Login(ctx, "alice@lab.example", "correct horse battery")
	if err != nil {
		t.Fatalf("second Login failed: %v", err)
	}

	if err := engine.ForceLogoutAllSessions(ctx, "u1", ""); err != nil {
		t.Fatalf("ForceLogoutAllSessions failed: %v", err)
	}

	for i, value := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := engine.Refresh(ctx, value); !errors.Is(err, ErrRefreshNotFound) {
			t.Fatalf("session %d: got %v, want ErrRefreshNotFound", i, err)
		}
	}

	sessions, err := engine.ActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("active sessions = %d, want 0", len(sessions))
	}
}

func TestForceLogoutPersistsReason(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := engine.Login(ctx, "alice@lab.example", "correct horse battery"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	aliceIDs, err := engine.ActiveSessions(ctx, "u1")
	if err != nil || len(aliceIDs) != 1 {
		t.Fatalf("ActiveSessions = %v, %v", aliceIDs, err)
	}
	if _, err := engine.Login(ctx, "bob@lab.example", "hunter2hunter2"); err != nil {
		t.Fatalf("bob Login failed: %v", err)
	}
	bobIDs, err := engine.ActiveSessions(ctx, "u2")
	if err != nil || len(bobIDs) != 1 {
		t.Fatalf("ActiveSessions = %v, %v", bobIDs, err)
	}

	if err := engine.ForceLogoutAllSessions(ctx, "u1", credential.ReasonReuseDetected); err != nil {
		t.Fatalf("ForceLogoutAllSessions failed: %v", err)
	}
	cred, err := engine.credentials.Get(ctx, aliceIDs[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cred.RevokeReason != credential.ReasonReuseDetected {
		t.Fatalf("revoke reason = %q, want %q", cred.RevokeReason, credential.ReasonReuseDetected)
	}

	// An empty reason falls back to the plain logout reason.
	if err := engine.ForceLogoutAllSessions(ctx, "u2", ""); err != nil {
		t.Fatalf("ForceLogoutAllSessions failed: %v", err)
	}
	cred, err = engine.credentials.Get(ctx, bobIDs[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cred.RevokeReason != credential.ReasonLogout {
		t.Fatalf("revoke reason = %q, want %q", cred.RevokeReason, credential.ReasonLogout)
	}
}

func TestValidateRejectsInvalidBearer(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	for _, tokenStr := range []string{"", "garbage", "a.b.c"} {
		if _, err := engine.Validate(context.Background(), tokenStr); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%q: got %v, want ErrUnauthorized", tokenStr, err)
		}
	}
}

func TestAuditTrailForReuse(t *testing.T) {
	sink := NewChannelSink(16)
	engine, _, _ := newTestEngine(t, func(b *Builder) {
		b.WithAuditSink(sink)
	})
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@lab.example", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("got %v, want ErrRefreshReuse", err)
	}

	want := []string{auditEventLoginSuccess, auditEventRefreshSuccess, auditEventRefreshReuse}
	for _, eventType := range want {
		select {
		case event := <-sink.Events():
			if event.EventType != eventType {
				t.Fatalf("got event %q, want %q", event.EventType, eventType)
			}
			if eventType == auditEventRefreshReuse {
				if event.Success {
					t.Fatal("reuse event marked success")
				}
				if event.Metadata["chain_revoked"] != "true" {
					t.Fatalf("chain_revoked = %q, want true", event.Metadata["chain_revoked"])
				}
				if event.UserID != "u1" {
					t.Fatalf("reuse event user = %q, want u1", event.UserID)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func TestMetricsCountLifecycle(t *testing.T) {
	engine, _, _ := newTestEngine(t, func(b *Builder) {
		b.WithMetricsEnabled(true)
	})
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@lab.example", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := engine.Login(ctx, "alice@lab.example", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("got %v, want ErrRefreshReuse", err)
	}

	snapshot := engine.MetricsSnapshot()
	checks := map[MetricID]uint64{
		MetricLoginSuccess:         1,
		MetricLoginFailure:         1,
		MetricSessionCreated:       1,
		MetricRefreshSuccess:       1,
		MetricRefreshReuseDetected: 1,
	}
	for id, want := range checks {
		if got := snapshot.Counters[id]; got != want {
			t.Errorf("counter %d = %d, want %d", id, got, want)
		}
	}
}
