package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/tripchat/internal/model"
)

const testSigningKey = "test-signing-key"

// --- モック ---

type mockUserRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func existingUserRepo() *mockUserRepo {
	return &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "taro@example.com", FirstName: "Taro", LastName: "Yamada"}, nil
		},
	}
}

func signToken(t *testing.T, key string, method jwt.SigningMethod, claims AccessClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("トークン署名に失敗: %v", err)
	}
	return token
}

func validClaims(userID string) AccessClaims {
	return AccessClaims{
		TokenType: "access",
		UserID:    userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

// --- テスト ---

func TestAuthenticate_ValidToken_ReturnsUser(t *testing.T) {
	svc := NewService(existingUserRepo(), ServiceConfig{SigningKey: testSigningKey})
	token := signToken(t, testSigningKey, jwt.SigningMethodHS256, validClaims("user-1"))

	user, err := svc.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("user.ID = %q, want %q", user.ID, "user-1")
	}
}

func TestAuthenticate_InvalidTokens(t *testing.T) {
	svc := NewService(existingUserRepo(), ServiceConfig{SigningKey: testSigningKey})

	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	refresh := validClaims("user-1")
	refresh.TokenType = "refresh"

	noExp := validClaims("user-1")
	noExp.ExpiresAt = nil

	noSubject := validClaims("")

	tests := []struct {
		name  string
		token string
	}{
		{"空文字列", ""},
		{"形式不正", "not.a.jwt"},
		{"署名鍵違い", signToken(t, "other-key", jwt.SigningMethodHS256, validClaims("user-1"))},
		{"アルゴリズム違い", signToken(t, testSigningKey, jwt.SigningMethodHS512, validClaims("user-1"))},
		{"期限切れ", signToken(t, testSigningKey, jwt.SigningMethodHS256, expired)},
		{"リフレッシュトークン", signToken(t, testSigningKey, jwt.SigningMethodHS256, refresh)},
		{"exp未設定", signToken(t, testSigningKey, jwt.SigningMethodHS256, noExp)},
		{"user_id未設定", signToken(t, testSigningKey, jwt.SigningMethodHS256, noSubject)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Authenticate(context.Background(), tt.token)
			if !errors.Is(err, model.ErrInvalidToken) {
				t.Errorf("Authenticate error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestAuthenticate_DeletedUser_ReturnsUserNotFound(t *testing.T) {
	svc := NewService(&mockUserRepo{}, ServiceConfig{SigningKey: testSigningKey})
	token := signToken(t, testSigningKey, jwt.SigningMethodHS256, validClaims("deleted-user"))

	_, err := svc.Authenticate(context.Background(), token)
	if !errors.Is(err, model.ErrUserNotFound) {
		t.Errorf("Authenticate error = %v, want ErrUserNotFound", err)
	}
}

func TestAuthenticate_StoreError_IsPropagated(t *testing.T) {
	storeErr := errors.New("connection refused")
	svc := NewService(&mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return nil, storeErr
		},
	}, ServiceConfig{SigningKey: testSigningKey})
	token := signToken(t, testSigningKey, jwt.SigningMethodHS256, validClaims("user-1"))

	_, err := svc.Authenticate(context.Background(), token)
	if !errors.Is(err, storeErr) {
		t.Errorf("Authenticate error = %v, want wrapped store error", err)
	}
	if errors.Is(err, model.ErrInvalidToken) || errors.Is(err, model.ErrUserNotFound) {
		t.Error("store error should not be reported as token or user error")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"Bearer   abc", "abc", true},
		{"bearer abc", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer ", "", false},
		{"Bearer a b", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ExtractBearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ExtractBearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
