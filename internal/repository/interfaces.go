// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/tripchat/internal/model"
)

// UserRepository はユーザー参照のインターフェース。
// ユーザーの作成・削除はCRUDサブシステムが行うため、参照のみを提供する。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// TripRepository は旅行参照のインターフェース。
type TripRepository interface {
	// FindByID は指定IDの旅行を作成者・同行者IDとともに取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Trip, error)
}

// MessageRepository はチャットメッセージ永続化のインターフェース。
type MessageRepository interface {
	// Create はメッセージを保存する。
	Create(ctx context.Context, msg *model.ChatMessage) error
}

// LocationRepository は位置情報記録の永続化インターフェース。
type LocationRepository interface {
	// Create は位置情報を保存する。
	// 旅行またはユーザーが保存時点で削除されていた場合はmodel.ErrInvalidReferenceを返す。
	Create(ctx context.Context, update *model.LocationUpdate) error
}
