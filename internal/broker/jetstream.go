package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig はNATS JetStreamの接続設定。
type JetStreamConfig struct {
	URL      string
	Stream   string
	Subject  string
	Consumer string
	// Name はNATSサーバーに通知する接続名。
	Name string
	// StreamMaxAge はストリームにレコードを保持する期間。
	StreamMaxAge time.Duration
	// AckWait はAckされないレコードを再配信するまでの待機時間。
	AckWait time.Duration
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.StreamMaxAge <= 0 {
		c.StreamMaxAge = 7 * 24 * time.Hour
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	return c
}

// ensureStream は位置情報サブジェクトを保持するストリームを作成または更新する。
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.StreamMaxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
	}
	return stream, nil
}

// JetStreamBroker はNATS JetStreamの永続コンシューマーを使用するBroker実装。
//
// 接続断の検知とリトライはパイプライン側の状態機械で行うため、
// NATSクライアントの自動再接続は無効にする。
type JetStreamBroker struct {
	cfg    JetStreamConfig
	logger *slog.Logger
}

// NewJetStreamBroker はJetStreamBrokerを生成する。
func NewJetStreamBroker(cfg JetStreamConfig, logger *slog.Logger) *JetStreamBroker {
	return &JetStreamBroker{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Connect はNATSに接続し、永続コンシューマーの購読を開始する。
// コンシューマーは新しいレコードのみを配信する（DeliverNewPolicy）。
func (b *JetStreamBroker) Connect(ctx context.Context) (Session, error) {
	s := &jetStreamSession{}

	nc, err := nats.Connect(b.cfg.URL,
		nats.Name(b.cfg.Name),
		nats.NoReconnect(),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.markLost()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := ensureStream(ctx, js, b.cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		FilterSubject: b.cfg.Subject,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer %s: %w", b.cfg.Consumer, err)
	}

	iter, err := cons.Messages()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	s.setIterator(iter)

	b.logger.Info("broker session established",
		slog.String("url", nc.ConnectedUrl()),
		slog.String("stream", b.cfg.Stream),
		slog.String("consumer", b.cfg.Consumer),
	)

	return s, nil
}

// jetStreamSession はJetStreamのメッセージイテレーターをSessionとして公開する。
type jetStreamSession struct {
	nc *nats.Conn

	mu     sync.Mutex
	iter   jetstream.MessagesContext
	closed bool
	lost   bool
}

func (s *jetStreamSession) setIterator(iter jetstream.MessagesContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iter = iter
	if s.lost {
		iter.Stop()
	}
}

// markLost は接続断を記録してイテレーターを停止する。
func (s *jetStreamSession) markLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
	if s.iter != nil {
		s.iter.Stop()
	}
}

// Next は次のレコードを受信する。ctxのキャンセルまたはCloseでブロックが解除される。
// jetstream.Msgは Data/Ack/Nak を持つため、そのままDeliveryとして返す。
func (s *jetStreamSession) Next(ctx context.Context) (Delivery, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.iter != nil {
			s.iter.Stop()
		}
	})
	defer stop()

	msg, err := s.iter.Next()
	if err == nil {
		return msg, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	s.mu.Lock()
	closed, lost := s.closed, s.lost
	s.mu.Unlock()

	switch {
	case closed:
		return nil, ErrSessionClosed
	case lost:
		return nil, fmt.Errorf("broker connection lost: %w", err)
	case errors.Is(err, jetstream.ErrMsgIteratorClosed):
		return nil, ErrSessionClosed
	default:
		return nil, fmt.Errorf("failed to read from broker: %w", err)
	}
}

// Close はイテレーターを停止して接続を閉じる。
func (s *jetStreamSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.iter != nil {
		s.iter.Stop()
	}
	s.mu.Unlock()

	s.nc.Close()
	return nil
}

// JetStreamPublisher はJetStreamにレコードを送信するPublisher実装。
// 位置情報APIのように長時間稼働する送信側では、NATSクライアントの自動再接続を使用する。
type JetStreamPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// DialPublisher はリトライポリシーに従ってNATSに接続し、ストリームの存在を保証する。
func DialPublisher(ctx context.Context, cfg JetStreamConfig, retry RetryPolicy, logger *slog.Logger) (*JetStreamPublisher, error) {
	cfg = cfg.withDefaults()

	var pub *JetStreamPublisher
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		nc, err := nats.Connect(cfg.URL,
			nats.Name(cfg.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			logger.Warn("waiting for broker",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}

		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		if _, err := ensureStream(ctx, js, cfg); err != nil {
			nc.Close()
			logger.Warn("waiting for broker stream",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return err
		}

		pub = &JetStreamPublisher{nc: nc, js: js}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("broker publisher connected", slog.String("url", pub.nc.ConnectedUrl()))
	return pub, nil
}

// Publish はレコードを送信し、ストリームへの保存確認を待つ。
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Connected はブローカーに接続中であればtrueを返す。
func (p *JetStreamPublisher) Connected() bool {
	return p.nc.IsConnected()
}

// Close は送信中のレコードを送り切ってから接続を閉じる。
func (p *JetStreamPublisher) Close() error {
	return p.nc.Drain()
}

// compile-time interface check
var (
	_ Broker    = (*JetStreamBroker)(nil)
	_ Session   = (*jetStreamSession)(nil)
	_ Publisher = (*JetStreamPublisher)(nil)
)
