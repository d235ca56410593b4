package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	authcore "github.com/labtrack/authcore"
	"github.com/redis/go-redis/v9"
)

type staticVerifier struct{}

func (staticVerifier) VerifyCredentials(_ context.Context, identifier, secret string) (authcore.UserIdentity, error) {
	if identifier == "tech@lab.example" && secret == "a long password" {
		return authcore.UserIdentity{UserID: "u1", Email: identifier, Roles: "tech"}, nil
	}
	return authcore.UserIdentity{}, errors.New("mismatch")
}

func (staticVerifier) GetUserByID(context.Context, string) (authcore.UserIdentity, error) {
	return authcore.UserIdentity{UserID: "u1", Email: "tech@lab.example", Roles: "tech"}, nil
}

func (staticVerifier) GetUserByEmail(context.Context, string) (authcore.UserIdentity, error) {
	return authcore.UserIdentity{}, errors.New("not found")
}

func (staticVerifier) UpdatePasswordHash(context.Context, string, string) error { return nil }
func (staticVerifier) ClearLockout(context.Context, string) error               { return nil }

func newGuardedServer(t *testing.T) (*authcore.Engine, http.Handler) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := authcore.Config{
		Token: authcore.TokenConfig{
			AccessTTL: 5 * time.Minute,
			Secret:    []byte("middleware-test-secret-0123456789"),
			Issuer:    "labtrack-test",
		},
		Credential: authcore.CredentialConfig{
			RefreshTTL:      time.Hour,
			RetentionWindow: time.Hour,
		},
		Password: authcore.PasswordConfig{
			Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
		},
	}
	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityVerifier(staticVerifier{}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	handler := Guard(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := AuthResultFromContext(r.Context())
		if !ok {
			http.Error(w, "missing auth result", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(res.UserID))
	}))

	return engine, handler
}

func TestGuardAcceptsValidBearer(t *testing.T) {
	engine, handler := newGuardedServer(t)

	pair, err := engine.Login(context.Background(), "tech@lab.example", "a long password")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/samples", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "u1" {
		t.Fatalf("body = %q, want u1", rec.Body.String())
	}
}

func TestGuardRejectsBadBearers(t *testing.T) {
	_, handler := newGuardedServer(t)

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not-a-credential"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/samples", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}
