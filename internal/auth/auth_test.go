package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestJWTManager_GenerateValidate(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	token, err := m.Generate("ops", "operator")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.UserID != "ops" || claims.Role != "operator" {
		t.Errorf("claims = %+v", claims)
	}

	other := NewJWTManager("other", time.Hour)
	if _, err := other.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTManager_Expired(t *testing.T) {
	m := NewJWTManager("secret", -time.Minute)
	token, _ := m.Generate("ops", "operator")
	if _, err := m.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestStaticKeyValidator(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, APIKeyPrefix) {
		t.Errorf("key %q missing prefix", key)
	}

	v := NewStaticKeyValidator([]string{"plain-key", "sha256:" + hash})
	if _, err := v.ValidateAPIKey("plain-key"); err != nil {
		t.Errorf("plain key rejected: %v", err)
	}
	user, err := v.ValidateAPIKey(key)
	if err != nil {
		t.Fatalf("hashed key rejected: %v", err)
	}
	if user.Method != "apikey" {
		t.Errorf("Method = %s", user.Method)
	}
	if _, err := v.ValidateAPIKey("nope"); !errors.Is(err, ErrAPIKeyNotFound) {
		t.Errorf("expected ErrAPIKeyNotFound, got %v", err)
	}
}

// TestMiddleware_Authenticate 测试认证闸门的各种凭据
func TestMiddleware_Authenticate(t *testing.T) {
	jwtMgr := NewJWTManager("secret", time.Hour)
	token, _ := jwtMgr.Generate("ops", "operator")
	mw := NewMiddleware(jwtMgr, "X-API-Key", NewStaticKeyValidator([]string{"k1"}), true)

	var seen *UserContext
	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
		wantMethod string
	}{
		{"api key", "X-API-Key", "k1", http.StatusOK, "apikey"},
		{"bearer token", "Authorization", "Bearer " + token, http.StatusOK, "jwt"},
		{"bad api key", "X-API-Key", "k2", http.StatusUnauthorized, ""},
		{"bad token", "Authorization", "Bearer junk", http.StatusUnauthorized, ""},
		{"no credentials", "", "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/scripts", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantMethod != "" && (seen == nil || seen.Method != tt.wantMethod) {
				t.Errorf("user = %+v, want method %s", seen, tt.wantMethod)
			}
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	mw := NewMiddleware(nil, "X-API-Key", nil, false)
	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
}
