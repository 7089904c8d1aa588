// Package location は端末から送信された位置情報をブローカーに送信するドメインロジックを提供する。
package location

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/tripchat/internal/broker"
	"github.com/hitoshi/tripchat/internal/model"
)

// Update は位置情報APIのリクエストボディであり、ブローカー上のレコード形式でもある。
type Update struct {
	TripID    string   `json:"trip_id"`
	UserID    string   `json:"user_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Validate は必須項目・ID形式・座標の範囲を検証する。
func (u *Update) Validate() *model.APIError {
	switch {
	case u.TripID == "" || u.UserID == "":
		return model.NewInvalidLocationError("trip_id と user_id は必須です")
	case u.Latitude == nil || u.Longitude == nil:
		return model.NewInvalidLocationError("latitude と longitude は必須です")
	}
	if _, err := uuid.Parse(u.TripID); err != nil {
		return model.NewInvalidLocationError("trip_id がUUIDではありません")
	}
	if _, err := uuid.Parse(u.UserID); err != nil {
		return model.NewInvalidLocationError("user_id がUUIDではありません")
	}
	if !model.ValidCoordinates(*u.Latitude, *u.Longitude) {
		return model.NewInvalidLocationError("座標が範囲外です")
	}
	return nil
}

// PublishRecorder は送信結果を記録するメトリクスのインターフェース。
type PublishRecorder interface {
	RecordLocationPublished(success bool)
}

// Service は位置情報をブローカーのサブジェクトに送信するサービス層。
// 旅行・ユーザーの存在確認は取り込みパイプライン側で行う。
type Service struct {
	publisher broker.Publisher
	subject   string
	logger    *slog.Logger
	metrics   PublishRecorder
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(publisher broker.Publisher, subject string, logger *slog.Logger, recorder PublishRecorder) *Service {
	return &Service{
		publisher: publisher,
		subject:   subject,
		logger:    logger,
		metrics:   recorder,
	}
}

// Submit は位置情報を検証してブローカーに送信する。
// 検証エラーはINVALID_LOCATION、送信失敗はPUBLISH_FAILEDの*model.APIErrorを返す。
func (s *Service) Submit(ctx context.Context, u *Update) error {
	if apiErr := u.Validate(); apiErr != nil {
		return apiErr
	}

	data, err := json.Marshal(u)
	if err != nil {
		return model.NewPublishFailedError(err.Error())
	}

	if err := s.publisher.Publish(ctx, s.subject, data); err != nil {
		s.record(false)
		s.logger.Error("位置情報の送信に失敗しました",
			slog.String("trip_id", u.TripID),
			slog.String("user_id", u.UserID),
			slog.String("error", err.Error()),
		)
		return model.NewPublishFailedError(err.Error())
	}

	s.record(true)
	return nil
}

func (s *Service) record(success bool) {
	if s.metrics != nil {
		s.metrics.RecordLocationPublished(success)
	}
}
