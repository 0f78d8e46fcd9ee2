package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/formflow/internal/config"
	"github.com/pitabwire/formflow/model"
)

var testSigningKey = []byte("test-signing-key-with-enough-entropy")

func testIdentityConfig() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "formflow-api",
		Algorithms: []string{"HS256"},
		Leeway:     30 * time.Second,
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"role":       "role",
		},
	}
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":  sub,
		"iss":  "https://auth.example.com",
		"aud":  "formflow-api",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Unix(),
		"role": "user",
	}
}

func signToken(t *testing.T, method jwt.SigningMethod, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

// authProbe runs the authenticator in front of a handler that reports the
// verified subject.
func authProbe(t *testing.T, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var subject string
	h := JWTAuthenticator(testIdentityConfig(), testSigningKey)(
		BuildRequestContextMiddleware(testIdentityConfig().ClaimPaths)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				subject = model.MustRequestContext(r.Context()).SubjectID
				w.WriteHeader(http.StatusNoContent)
			}),
		),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, subject
}

func TestJWTAuthenticator_validToken(t *testing.T) {
	token := signToken(t, jwt.SigningMethodHS256, testSigningKey, validClaims("alice"))

	rec, subject := authProbe(t, "Bearer "+token)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if subject != "alice" {
		t.Errorf("subject = %q, want alice", subject)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	expired := validClaims("alice")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongIssuer := validClaims("alice")
	wrongIssuer["iss"] = "https://evil.example.com"

	wrongAudience := validClaims("alice")
	wrongAudience["aud"] = "other-api"

	noExpiry := validClaims("alice")
	delete(noExpiry, "exp")

	noSubject := validClaims("")

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing header", "", "Missing authorization header"},
		{"not bearer", "Basic dXNlcjpwYXNz", "Invalid authorization header format"},
		{"malformed", "Bearer not-a-jwt", "Malformed token"},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSigningKey, expired), "Token expired"},
		{"wrong issuer", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSigningKey, wrongIssuer), "Invalid token issuer"},
		{"wrong audience", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSigningKey, wrongAudience), "Invalid token audience"},
		{"missing exp", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSigningKey, noExpiry), "Token is missing a required claim"},
		{"wrong key", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("another-key"), validClaims("alice")), "Invalid token signature"},
		{"disallowed algorithm", "Bearer " + signToken(t, jwt.SigningMethodHS512, testSigningKey, validClaims("alice")), "Disallowed signing algorithm"},
		{"no subject", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSigningKey, noSubject), "token has no subject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := authProbe(t, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if got := decodeErrorBody(t, rec).Message; got != tt.message {
				t.Errorf("message = %q, want %q", got, tt.message)
			}
		})
	}
}
