package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hitoshi/tripchat/internal/model"
	"github.com/lib/pq"
)

// PostgresTripRepo はPostgreSQLを使用した旅行リポジトリ。
type PostgresTripRepo struct {
	db *sql.DB
}

// NewPostgresTripRepo はPostgresTripRepoを生成する。
func NewPostgresTripRepo(db *sql.DB) *PostgresTripRepo {
	return &PostgresTripRepo{db: db}
}

// FindByID は指定IDの旅行を同行者IDとともに1クエリで取得する。見つからない場合はnilを返す。
func (r *PostgresTripRepo) FindByID(ctx context.Context, id string) (*model.Trip, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	trip := &model.Trip{}
	var companions []string
	err := r.db.QueryRowContext(ctx,
		`SELECT t.id, t.title, t.creator_id,
		        COALESCE(array_agg(c.user_id::text) FILTER (WHERE c.user_id IS NOT NULL), '{}')
		 FROM trips t
		 LEFT JOIN trip_companions c ON c.trip_id = t.id
		 WHERE t.id = $1
		 GROUP BY t.id`,
		id,
	).Scan(&trip.ID, &trip.Title, &trip.CreatorID, pq.Array(&companions))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trip by ID: %w", err)
	}

	trip.CompanionIDs = companions
	return trip, nil
}

// compile-time interface check
var _ TripRepository = (*PostgresTripRepo)(nil)
