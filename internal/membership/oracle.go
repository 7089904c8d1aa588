// Package membership は旅行チャットへの参加可否を判定する。
package membership

import (
	"context"
	"log/slog"

	"github.com/hitoshi/tripchat/internal/repository"
)

// Oracle は旅行の作成者・同行者であるかを判定する。
// 同行者の解除を次回の入室から反映するため、判定結果はキャッシュせず毎回ストアに問い合わせる。
type Oracle struct {
	tripRepo repository.TripRepository
	logger   *slog.Logger
}

// NewOracle はOracleを生成する。
func NewOracle(tripRepo repository.TripRepository, logger *slog.Logger) *Oracle {
	return &Oracle{
		tripRepo: tripRepo,
		logger:   logger,
	}
}

// IsMember はユーザーが旅行の作成者または同行者であればtrueを返す。
// 旅行が存在しない場合やストアエラーの場合はfalseを返す（フェイルクローズ）。
func (o *Oracle) IsMember(ctx context.Context, tripID, userID string) bool {
	trip, err := o.tripRepo.FindByID(ctx, tripID)
	if err != nil {
		o.logger.Error("failed to look up trip for membership",
			slog.String("trip_id", tripID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if trip == nil {
		return false
	}
	return trip.HasParticipant(userID)
}

// TripExists は旅行が存在すればtrueを返す。ストアエラーの場合はfalseを返す。
// Gatewayは存在しない旅行をIsMemberのfalseとして扱うため、この関数を呼ばない。
func (o *Oracle) TripExists(ctx context.Context, tripID string) bool {
	trip, err := o.tripRepo.FindByID(ctx, tripID)
	if err != nil {
		o.logger.Error("failed to look up trip",
			slog.String("trip_id", tripID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return trip != nil
}
