package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/tripchat/internal/model"
	"github.com/lib/pq"
)

// pgForeignKeyViolation はPostgreSQLの外部キー制約違反のSQLSTATE。
const pgForeignKeyViolation = "23503"

// PostgresLocationRepo はPostgreSQLを使用した位置情報リポジトリ。
type PostgresLocationRepo struct {
	db *sql.DB
}

// NewPostgresLocationRepo はPostgresLocationRepoを生成する。
func NewPostgresLocationRepo(db *sql.DB) *PostgresLocationRepo {
	return &PostgresLocationRepo{db: db}
}

// Create は位置情報を保存する。
// 参照確認後に旅行やユーザーが削除された場合はFK違反となるため、
// model.ErrInvalidReferenceとして返し別エンティティへの誤帰属を防ぐ。
func (r *PostgresLocationRepo) Create(ctx context.Context, update *model.LocationUpdate) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO location_updates (id, trip_id, user_id, latitude, longitude, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		update.ID, update.TripID, update.UserID, update.Latitude, update.Longitude, update.Timestamp,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("failed to insert location update: %w", model.ErrInvalidReference)
		}
		return fmt.Errorf("failed to insert location update: %w", err)
	}

	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgForeignKeyViolation
	}
	return false
}

// compile-time interface check
var _ LocationRepository = (*PostgresLocationRepo)(nil)
