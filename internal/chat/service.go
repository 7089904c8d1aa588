// Package chat はチャットメッセージの記録（永続化）を提供する。
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/tripchat/internal/model"
	"github.com/hitoshi/tripchat/internal/repository"
	"github.com/hitoshi/tripchat/internal/security"
)

// ErrMissingSender はRecordMessageに送信者が渡されなかったことを示す。
var ErrMissingSender = errors.New("message sender is required")

// DefaultMaxContentLength はメッセージ本文の最大文字数（rune数）のデフォルト値。
const DefaultMaxContentLength = 4000

// Service はチャットメッセージの記録を行うサービス層。
// Gatewayはブロードキャストの前に必ずRecordMessageを呼び出し、
// 保存に成功したメッセージのみを配信する。
type Service struct {
	messageRepo repository.MessageRepository
	sanitizer   security.ContentSanitizerService
	maxLength   int

	// now はテスト時に差し替え可能な現在時刻関数。
	now func() time.Time
}

// NewService はServiceを生成する。maxLengthが0以下の場合はDefaultMaxContentLengthを使用する。
func NewService(
	messageRepo repository.MessageRepository,
	sanitizer security.ContentSanitizerService,
	maxLength int,
) *Service {
	if maxLength <= 0 {
		maxLength = DefaultMaxContentLength
	}
	return &Service{
		messageRepo: messageRepo,
		sanitizer:   sanitizer,
		maxLength:   maxLength,
		now:         time.Now,
	}
}

// RecordMessage は本文をサニタイズした上でメッセージを保存し、保存したメッセージを返す。
// サニタイズ後の本文が空、または最大文字数を超える場合はmodel.ErrInvalidContentを返す。
// 保存に失敗した場合はエラーを返し、呼び出し側は配信を行わない。
func (s *Service) RecordMessage(ctx context.Context, tripID string, sender *model.User, content string) (*model.ChatMessage, error) {
	if sender == nil {
		return nil, ErrMissingSender
	}

	clean := s.sanitizer.Sanitize(content)
	if clean == "" {
		return nil, fmt.Errorf("%w: empty", model.ErrInvalidContent)
	}
	if utf8.RuneCountInString(clean) > s.maxLength {
		return nil, fmt.Errorf("%w: exceeds %d characters", model.ErrInvalidContent, s.maxLength)
	}

	msg := &model.ChatMessage{
		ID:        uuid.New().String(),
		TripID:    tripID,
		Sender:    sender,
		Content:   clean,
		CreatedAt: s.now().UTC(),
	}

	if err := s.messageRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	return msg, nil
}
