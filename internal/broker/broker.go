// Package broker はメッセージブローカーへの接続・購読・送信を抽象化する。
//
// 取り込みパイプラインはBrokerとSessionのみに依存し、
// 具体的な実装（NATS JetStream）はapp層で注入する。
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tripchat/internal/model"
)

// ErrSessionClosed はCloseされたセッションに対してNextが呼ばれたことを表す。
var ErrSessionClosed = errors.New("broker session closed")

// Delivery はブローカーから受信した1件のレコード。
type Delivery interface {
	Data() []byte
	// Ack は処理完了を通知する。以降このレコードは再配信されない。
	Ack() error
	// Nak は処理失敗を通知し、再配信を要求する。
	Nak() error
}

// Session はブローカーとの1回の接続・購読を表す。
type Session interface {
	// Next は次のレコードを受信するまでブロックする。
	// 接続断などの読み取りエラーが発生した場合、そのセッションは以降使用できない。
	Next(ctx context.Context) (Delivery, error)
	// Close はセッションを閉じ、ブロック中のNextを解除する。複数回呼ばれても安全であること。
	Close() error
}

// Broker はブローカーへの接続を確立して購読セッションを返す。
type Broker interface {
	Connect(ctx context.Context) (Session, error)
}

// Publisher はブローカーのサブジェクトにレコードを送信する。
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// RetryPolicy は接続試行の回数と間隔を表す。
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy は5回・5秒間隔のリトライポリシーを返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Delay:    5 * time.Second,
	}
}

// Do はopが成功するまで最大Attempts回試行する。試行の間はDelayだけ待機する。
// 全ての試行が失敗した場合はmodel.ErrBrokerUnavailableをラップしたエラーを返す。
// 待機中にctxがキャンセルされた場合はctx.Err()を返す。
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if err := sleepContext(ctx, p.Delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %d attempts failed: %w", model.ErrBrokerUnavailable, attempts, lastErr)
}

// sleepContext はdだけ待機する。ctxがキャンセルされた場合は即座に戻る。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
