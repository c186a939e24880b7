package user

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUserMismatch = errors.New("token does not belong to user")
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Touch records a login and marks the user active.
func (s *Service) Touch(ctx context.Context, id string) error {
	return s.repo.Touch(ctx, id, s.now().UTC())
}

func (s *Service) MarkInactive(ctx context.Context, id string) error {
	return s.repo.SetState(ctx, id, Inactive)
}

// List returns users in the given state, or everyone for "".
func (s *Service) List(ctx context.Context, state State) ([]User, error) {
	switch state {
	case "", Active, Inactive:
	default:
		return nil, fmt.Errorf("unknown state %q", state)
	}
	users, err := s.repo.List(ctx, state)
	if users == nil {
		users = []User{}
	}
	return users, err
}

type Claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens whose subject is the user id.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// ValidateToken returns the token's subject. A non-empty claimedID must
// match it.
func (v *JWTVerifier) ValidateToken(_ context.Context, tokenString, claimedID string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	if claimedID != "" && claimedID != claims.Subject {
		return "", ErrUserMismatch
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID. Used by tooling and tests; real
// tokens come from the identity provider.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "chat-relay",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// HTTPVerifier asks an external endpoint whether a token is valid. The
// endpoint only answers yes or no, so the caller must name the user.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

func NewHTTPVerifier(url string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPVerifier{url: url, client: client}
}

func (v *HTTPVerifier) ValidateToken(ctx context.Context, token, claimedID string) (string, error) {
	if claimedID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidToken)
	}
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: verifier returned %d", ErrInvalidToken, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode verify response: %w", err)
	}
	if !out.Verified {
		return "", ErrInvalidToken
	}
	return claimedID, nil
}
