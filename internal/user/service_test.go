package user

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("secret")
	ctx := context.Background()

	good, err := IssueToken("secret", "alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, _ := IssueToken("secret", "alice", -time.Hour)
	wrongKey, _ := IssueToken("other", "alice", time.Hour)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("secret"))

	tests := []struct {
		name    string
		token   string
		claimed string
		want    string
		wantErr error
	}{
		{"valid", good, "", "alice", nil},
		{"valid with matching claim", good, "alice", "alice", nil},
		{"claim mismatch", good, "bob", "", ErrUserMismatch},
		{"expired", expired, "", "", ErrInvalidToken},
		{"wrong key", wrongKey, "", "", ErrInvalidToken},
		{"no subject", noSubject, "", "", ErrInvalidToken},
		{"garbage", "not-a-token", "", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateToken(ctx, tt.token, tt.claimed)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateToken() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ValidateToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(verifyResponse{Verified: req.Token == "good"})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, srv.Client())
	ctx := context.Background()

	if id, err := v.ValidateToken(ctx, "good", "alice"); err != nil || id != "alice" {
		t.Fatalf("ValidateToken(good) = %q, %v", id, err)
	}
	if _, err := v.ValidateToken(ctx, "bad", "alice"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ValidateToken(bad) error = %v, want ErrInvalidToken", err)
	}
	if _, err := v.ValidateToken(ctx, "good", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ValidateToken(no user) error = %v, want ErrInvalidToken", err)
	}
}

func TestServiceStates(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_ = svc.Touch(ctx, "alice")
	_ = svc.Touch(ctx, "bob")
	_ = svc.MarkInactive(ctx, "bob")

	active, _ := svc.List(ctx, Active)
	if len(active) != 1 || active[0].ID != "alice" {
		t.Fatalf("active = %+v, want alice", active)
	}
	all, _ := svc.List(ctx, "")
	if len(all) != 2 || all[1].State != Inactive {
		t.Fatalf("all = %+v", all)
	}
	if _, err := svc.List(ctx, "away"); err == nil {
		t.Fatal("List(away) error = nil")
	}

	_ = svc.Touch(ctx, "bob")
	active, _ = svc.List(ctx, Active)
	if len(active) != 2 {
		t.Fatalf("bob not active again after login: %+v", active)
	}
}

func TestListUsersHandler(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	_ = svc.Touch(context.Background(), "alice")

	rec := httptest.NewRecorder()
	NewHandler(svc).ListUsers(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var users []User
	if err := json.NewDecoder(rec.Body).Decode(&users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "alice" {
		t.Fatalf("users = %+v", users)
	}
}
