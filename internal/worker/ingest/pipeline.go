// Package ingest はブローカーから位置情報レコードを購読して保存する取り込みパイプラインを提供する。
//
// パイプラインは1つの長寿命goroutineで動作し、レコードを1件ずつ処理する。
// 保存に成功したレコードと破棄したレコードはAckし、ストアエラーのレコードは
// Nakして再配信させる（at-least-once）。
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tripchat/internal/broker"
	"github.com/hitoshi/tripchat/internal/model"
	"github.com/hitoshi/tripchat/internal/repository"
)

// ErrAlreadyStarted はRunが2回以上呼ばれたことを表す。
var ErrAlreadyStarted = errors.New("ingest pipeline already started")

// Recorder は取り込み処理のメトリクスを記録するインターフェース。
type Recorder interface {
	RecordBrokerConnect(success bool)
	RecordRecordIngested()
	RecordRecordDropped(reason string)
	RecordRecordRedelivered()
	RecordIngestLatency(duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordBrokerConnect(bool)          {}
func (nopRecorder) RecordRecordIngested()             {}
func (nopRecorder) RecordRecordDropped(string)        {}
func (nopRecorder) RecordRecordRedelivered()          {}
func (nopRecorder) RecordIngestLatency(time.Duration) {}

// 破棄理由
const (
	dropMalformed    = "malformed"
	dropInvalidID    = "invalid_id"
	dropOutOfRange   = "out_of_range"
	dropUnknownTrip  = "unknown_trip"
	dropUnknownUser  = "unknown_user"
	dropDeletedOwner = "deleted_reference"
)

// dropError は再配信しても成功しないレコードを表す。Ackして破棄する。
type dropError struct {
	reason string
	detail string
}

func (e *dropError) Error() string {
	return fmt.Sprintf("%s: %s", e.reason, e.detail)
}

func drop(reason, detail string) error {
	return &dropError{reason: reason, detail: detail}
}

// locationRecord はブローカー上の位置情報レコードの形式。
type locationRecord struct {
	TripID    string   `json:"trip_id"`
	UserID    string   `json:"user_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Pipeline は位置情報の取り込みパイプライン。
type Pipeline struct {
	broker       broker.Broker
	tripRepo     repository.TripRepository
	userRepo     repository.UserRepository
	locationRepo repository.LocationRepository
	retry        broker.RetryPolicy
	logger       *slog.Logger
	metrics      Recorder

	mu       sync.Mutex
	state    State
	session  broker.Session
	started  bool
	stopping bool
	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewPipeline はPipelineを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewPipeline(
	b broker.Broker,
	tripRepo repository.TripRepository,
	userRepo repository.UserRepository,
	locationRepo repository.LocationRepository,
	retry broker.RetryPolicy,
	logger *slog.Logger,
	recorder Recorder,
) *Pipeline {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Pipeline{
		broker:       b,
		tripRepo:     tripRepo,
		userRepo:     userRepo,
		locationRepo: locationRepo,
		retry:        retry,
		logger:       logger,
		metrics:      recorder,
		state:        StateDisconnected,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// State は現在の状態を返す。
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run はブローカーに接続してレコードの取り込みを開始し、停止するまでブロックする。
//
// 接続試行がリトライ上限に達した場合はFAILEDに遷移し、model.ErrBrokerUnavailableを返す。
// 購読中の接続断ではリトライ回数をリセットして再接続する。
// StopまたはctxのキャンセルではSTOPPEDに遷移してnilを返す。
// Runは1つのPipelineにつき1回のみ呼び出せる。
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.logger.Info("位置情報取り込みパイプラインを開始しました",
		slog.Int("max_attempts", p.retry.Attempts),
		slog.Duration("retry_delay", p.retry.Delay),
	)

	for {
		if p.done(ctx) {
			return p.finishStopped()
		}

		session, err := p.connect(ctx)
		if err != nil {
			if p.done(ctx) {
				return p.finishStopped()
			}
			p.transition(StateFailed)
			p.logger.Error("ブローカーに接続できないため取り込みを終了します",
				slog.Bool("fatal", true),
				slog.Int("attempts", p.retry.Attempts),
				slog.String("error", err.Error()),
			)
			return err
		}

		err = p.consume(ctx, session)
		p.releaseSession(session)

		if p.done(ctx) {
			return p.finishStopped()
		}

		p.transition(StateDisconnected)
		p.logger.Warn("ブローカーとの接続が切断されました。再接続します",
			slog.String("error", err.Error()),
		)
	}
}

// Stop はパイプラインを停止する。任意のgoroutine・任意の状態から呼び出せる。
// セッションを閉じて以降の再接続を行わない。2回目以降の呼び出しは何もしない。
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		if !p.state.terminal() {
			p.state = StateStopping
		}
		session := p.session
		p.mu.Unlock()

		close(p.stopCh)

		if session != nil {
			if err := session.Close(); err != nil {
				p.logger.Warn("ブローカーセッションのクローズに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	})
}

// done は停止要求またはctxのキャンセルがあればtrueを返す。
func (p *Pipeline) done(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// transition は状態を遷移させる。停止要求後は終端状態への遷移のみ受け付ける。
func (p *Pipeline) transition(to State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.terminal() {
		return
	}
	if p.stopping && !to.terminal() {
		return
	}
	p.state = to
}

func (p *Pipeline) finishStopped() error {
	p.transition(StateStopped)
	p.logger.Info("位置情報取り込みパイプラインを停止しました")
	return nil
}

// connect はリトライポリシーに従ってブローカーに接続する。
func (p *Pipeline) connect(ctx context.Context) (broker.Session, error) {
	var session broker.Session

	err := p.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		p.transition(StateConnecting)

		s, err := p.broker.Connect(ctx)
		p.metrics.RecordBrokerConnect(err == nil)
		if err != nil {
			p.logger.Warn("ブローカーへの接続に失敗しました",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", p.retry.Attempts),
				slog.String("error", err.Error()),
			)
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 接続中にStopされた場合はここでセッションを閉じる
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		session.Close()
		return nil, context.Canceled
	}
	p.session = session
	p.mu.Unlock()

	p.transition(StateConsuming)
	p.logger.Info("ブローカーに接続しました。位置情報の購読を開始します")
	return session, nil
}

func (p *Pipeline) releaseSession(session broker.Session) {
	p.mu.Lock()
	if p.session == session {
		p.session = nil
	}
	p.mu.Unlock()

	if err := session.Close(); err != nil {
		p.logger.Warn("ブローカーセッションのクローズに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// consume はセッションからレコードを1件ずつ受信して処理する。
// 読み取りエラーが発生した時点でそのエラーを返す。
func (p *Pipeline) consume(ctx context.Context, session broker.Session) error {
	for {
		d, err := session.Next(ctx)
		if err != nil {
			return err
		}
		p.handle(ctx, d)
	}
}

// handle は1件のレコードを処理し、結果に応じてAckまたはNakする。
func (p *Pipeline) handle(ctx context.Context, d broker.Delivery) {
	start := p.now()
	defer func() {
		p.metrics.RecordIngestLatency(p.now().Sub(start))
	}()

	err := p.ingest(ctx, d.Data())

	var dropErr *dropError
	switch {
	case err == nil:
		p.metrics.RecordRecordIngested()
		p.ack(d)
	case errors.As(err, &dropErr):
		p.metrics.RecordRecordDropped(dropErr.reason)
		p.logger.Warn("位置情報レコードを破棄しました",
			slog.String("reason", dropErr.reason),
			slog.String("detail", dropErr.detail),
		)
		p.ack(d)
	default:
		p.metrics.RecordRecordRedelivered()
		p.logger.Error("位置情報の保存に失敗しました。再配信を要求します",
			slog.String("error", err.Error()),
		)
		if err := d.Nak(); err != nil {
			p.logger.Warn("Nakに失敗しました", slog.String("error", err.Error()))
		}
	}
}

func (p *Pipeline) ack(d broker.Delivery) {
	if err := d.Ack(); err != nil {
		p.logger.Warn("Ackに失敗しました", slog.String("error", err.Error()))
	}
}

// ingest はレコードを検証して位置情報を保存する。
// 破棄すべきレコードには*dropErrorを、ストアエラーにはそれ以外のエラーを返す。
func (p *Pipeline) ingest(ctx context.Context, data []byte) error {
	var rec locationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return drop(dropMalformed, err.Error())
	}
	if rec.TripID == "" || rec.UserID == "" || rec.Latitude == nil || rec.Longitude == nil {
		return drop(dropMalformed, "trip_id, user_id, latitude and longitude are required")
	}
	if _, err := uuid.Parse(rec.TripID); err != nil {
		return drop(dropInvalidID, "trip_id: "+err.Error())
	}
	if _, err := uuid.Parse(rec.UserID); err != nil {
		return drop(dropInvalidID, "user_id: "+err.Error())
	}
	if !model.ValidCoordinates(*rec.Latitude, *rec.Longitude) {
		return drop(dropOutOfRange, fmt.Sprintf("latitude=%v longitude=%v", *rec.Latitude, *rec.Longitude))
	}

	trip, err := p.tripRepo.FindByID(ctx, rec.TripID)
	if err != nil {
		return fmt.Errorf("旅行の取得に失敗しました: %w", err)
	}
	if trip == nil {
		return drop(dropUnknownTrip, "trip_id="+rec.TripID)
	}

	user, err := p.userRepo.FindByID(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return drop(dropUnknownUser, "user_id="+rec.UserID)
	}

	update := &model.LocationUpdate{
		ID:        uuid.New().String(),
		TripID:    trip.ID,
		UserID:    user.ID,
		Latitude:  *rec.Latitude,
		Longitude: *rec.Longitude,
		Timestamp: p.now().UTC(),
	}
	if err := p.locationRepo.Create(ctx, update); err != nil {
		// 参照確認から保存までの間に旅行またはユーザーが削除された
		if errors.Is(err, model.ErrInvalidReference) {
			return drop(dropDeletedOwner, err.Error())
		}
		return fmt.Errorf("位置情報の保存に失敗しました: %w", err)
	}

	p.logger.Debug("位置情報を保存しました",
		slog.String("trip_id", update.TripID),
		slog.String("user_id", update.UserID),
	)
	return nil
}
