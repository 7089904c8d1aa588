package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tripchat/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したチャットメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Create はメッセージを保存する。ID・作成日時は呼び出し側で設定済みであること。
func (r *PostgresMessageRepo) Create(ctx context.Context, msg *model.ChatMessage) error {
	if msg.Sender == nil {
		return fmt.Errorf("message sender is required")
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, trip_id, sender_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.TripID, msg.Sender.ID, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}

	return nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
