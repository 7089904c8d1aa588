// Package auth はWebSocket接続時のアクセストークン検証を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/tripchat/internal/model"
	"github.com/hitoshi/tripchat/internal/repository"
)

const (
	bearerPrefix    = "Bearer "
	accessTokenType = "access"
)

// AccessClaims はCRUDサブシステムが発行するアクセストークンのクレーム。
// user_idがトークンの主体を表す。
type AccessClaims struct {
	TokenType string `json:"token_type"`
	UserID    string `json:"user_id"`
	jwt.RegisteredClaims
}

// ServiceConfig はトークン検証の設定。
type ServiceConfig struct {
	SigningKey string // HS256の共有鍵
}

// Service はアクセストークンを検証し、ユーザーを解決する。
// トークンと署名鍵のみに依存するステートレスな検証を行い、
// 主体の解決のみ外部のユーザーストアに問い合わせる。
type Service struct {
	userRepo repository.UserRepository
	key      []byte
	parser   *jwt.Parser
}

// NewService はServiceを生成する。
func NewService(userRepo repository.UserRepository, config ServiceConfig) *Service {
	return &Service{
		userRepo: userRepo,
		key:      []byte(config.SigningKey),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Authenticate はトークンを検証し、主体のユーザーを返す。
// 不正・期限切れのトークンにはmodel.ErrInvalidToken、
// 主体が存在しない場合はmodel.ErrUserNotFoundを返す。
func (s *Service) Authenticate(ctx context.Context, token string) (*model.User, error) {
	claims, err := s.verify(token)
	if err != nil {
		return nil, err
	}

	user, err := s.userRepo.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token subject: %w", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}

	return user, nil
}

// verify は署名・有効期限・トークン種別を検証してクレームを返す。
func (s *Service) verify(token string) (*AccessClaims, error) {
	if token == "" {
		return nil, model.ErrInvalidToken
	}

	claims := &AccessClaims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", model.ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, model.ErrInvalidToken
	}

	if claims.TokenType != accessTokenType {
		return nil, fmt.Errorf("%w: unexpected token type %q", model.ErrInvalidToken, claims.TokenType)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id claim", model.ErrInvalidToken)
	}

	return claims, nil
}

// ExtractBearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// "Bearer "で始まらない、またはトークン部分が空の場合はfalseを返す。
func ExtractBearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}
