package model

import (
	"errors"
	"fmt"
)

// 入室判定・メッセージ送信・取り込み処理で使用するセンチネルエラー。
// 呼び出し側はerrors.Isで判定する。
var (
	// ErrInvalidToken は不正・検証不能・期限切れのトークンを表す。再試行不可。
	ErrInvalidToken = errors.New("invalid token")
	// ErrUserNotFound はトークンの主体が既に存在しないことを表す。
	ErrUserNotFound = errors.New("user not found")
	// ErrTripNotFound は指定された旅行が存在しないことを表す。
	ErrTripNotFound = errors.New("trip not found")
	// ErrNotAMember はユーザーが旅行の作成者でも同行者でもないことを表す。
	ErrNotAMember = errors.New("user is not a member of the trip")
	// ErrInvalidContent はチャットメッセージの本文が空または長すぎることを表す。
	ErrInvalidContent = errors.New("invalid message content")
	// ErrBrokerUnavailable はブローカーへの接続がリトライ上限を超えて失敗したことを表す。
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrInvalidReference は位置情報が存在しない旅行またはユーザーを参照していることを表す。
	ErrInvalidReference = errors.New("invalid trip or user reference")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, broker, system
	Action   string // クライアント向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidAPIKey   = "INVALID_API_KEY"
	ErrCodeInvalidLocation = "INVALID_LOCATION"
	ErrCodePublishFailed   = "PUBLISH_FAILED"
	ErrCodeRateLimited     = "RATE_LIMIT_EXCEEDED"
)

// NewInvalidAPIKeyError はAPIキー不一致エラーを生成する。
func NewInvalidAPIKeyError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAPIKey,
		Message:  "Invalid API key",
		Category: "auth",
		Action:   "X-API-Key ヘッダーに正しいAPIキーを指定してください。",
	}
}

// NewInvalidLocationError は位置情報リクエストの検証エラーを生成する。
func NewInvalidLocationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLocation,
		Message:  fmt.Sprintf("無効な位置情報です: %s", reason),
		Category: "validation",
		Action:   "trip_id と user_id にUUIDを、latitude と longitude に有効な座標を指定してください。",
	}
}

// NewPublishFailedError はブローカーへの送信失敗エラーを生成する。
func NewPublishFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodePublishFailed,
		Message:  reason,
		Category: "broker",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
