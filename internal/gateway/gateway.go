// Package gateway はチャットのWebSocket接続の受付と、接続ごとのフレーム処理を提供する。
//
// 入室判定は次の状態を順に遷移する。
//
//	PENDING → AUTHENTICATING → AUTHORIZING → ADMITTED → CLOSED
//	いずれかの段階 → REJECTED → CLOSED
//
// REJECTEDの場合はソケットを受け付けず、原因に関わらず空ボディの403を返す。
// 接続を生成するのはGatewayのみであり、生成した接続は必ずRelayに登録・解除する。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/tripchat/internal/auth"
	"github.com/hitoshi/tripchat/internal/metrics"
	"github.com/hitoshi/tripchat/internal/model"
	"github.com/hitoshi/tripchat/internal/relay"
)

// Authenticator はアクセストークンからユーザーを解決する。
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

// MembershipOracle は旅行への参加可否を判定する。
type MembershipOracle interface {
	IsMember(ctx context.Context, tripID, userID string) bool
}

// MessageSink はチャットメッセージを保存する。
type MessageSink interface {
	RecordMessage(ctx context.Context, tripID string, sender *model.User, content string) (*model.ChatMessage, error)
}

// Rooms は旅行ごとのルームへの登録・解除・配信を行う。
type Rooms interface {
	Join(tripID string, p relay.Peer) error
	Leave(tripID string, p relay.Peer) bool
	Broadcast(tripID string, exclude relay.Peer, payload []byte) int
}

// Recorder はGatewayのメトリクスを記録するインターフェース。
type Recorder interface {
	RecordAdmission(outcome string)
	RecordConnectionOpened()
	RecordConnectionClosed()
	RecordMessagePersisted()
	RecordMessageFailed(reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAdmission(string)     {}
func (nopRecorder) RecordConnectionOpened()    {}
func (nopRecorder) RecordConnectionClosed()    {}
func (nopRecorder) RecordMessagePersisted()    {}
func (nopRecorder) RecordMessageFailed(string) {}

// Config はGatewayの設定。
type Config struct {
	// AdmissionTimeout は認証と参加可否判定を合わせた制限時間。
	AdmissionTimeout time.Duration
	// PersistTimeout はメッセージ1件の保存の制限時間。
	PersistTimeout time.Duration
	// SendBuffer は接続ごとの送信キューの長さ。
	SendBuffer int
	// MaxFrameBytes は受信フレームの最大バイト数。
	MaxFrameBytes int64
	// AllowedOrigins はブラウザからの接続を許可するOrigin。空の場合は全て許可する。
	AllowedOrigins []string

	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		AdmissionTimeout: 5 * time.Second,
		PersistTimeout:   5 * time.Second,
		SendBuffer:       64,
		MaxFrameBytes:    64 * 1024,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = d.AdmissionTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	return c
}

// AdmissionState は入室判定の状態。
type AdmissionState int

const (
	StatePending AdmissionState = iota
	StateAuthenticating
	StateAuthorizing
	StateAdmitted
	StateRejected
	StateClosed
)

func (s AdmissionState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateAdmitted:
		return "ADMITTED"
	case StateRejected:
		return "REJECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// rejection は入室を拒否した段階と原因を表す。
type rejection struct {
	stage   AdmissionState
	outcome string
	err     error
}

func (r *rejection) Error() string {
	return fmt.Sprintf("rejected while %s: %v", r.stage, r.err)
}

func (r *rejection) Unwrap() error {
	return r.err
}

var (
	errMissingBearer = errors.New("missing or malformed Authorization header")
	errInvalidTripID = errors.New("trip id is not a UUID")
)

// Gateway はチャット接続のHTTPハンドラー。
type Gateway struct {
	auth     Authenticator
	oracle   MembershipOracle
	sink     MessageSink
	rooms    Rooms
	cfg      Config
	logger   *slog.Logger
	metrics  Recorder
	upgrader websocket.Upgrader
}

// New はGatewayを生成する。recorderがnilの場合はメトリクスを記録しない。
func New(
	authenticator Authenticator,
	oracle MembershipOracle,
	sink MessageSink,
	rooms Rooms,
	cfg Config,
	logger *slog.Logger,
	recorder Recorder,
) *Gateway {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	cfg = cfg.withDefaults()

	g := &Gateway{
		auth:    authenticator,
		oracle:  oracle,
		sink:    sink,
		rooms:   rooms,
		cfg:     cfg,
		logger:  logger,
		metrics: recorder,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			logger.Warn("websocket upgrade failed",
				slog.Int("status", status),
				slog.String("error", reason.Error()),
			)
			w.WriteHeader(http.StatusForbidden)
		},
	}
	return g
}

// originChecker はOriginヘッダーが許可リストに含まれるかを判定する関数を返す。
// Originヘッダーの無い（ブラウザ以外の）クライアントは許可する。
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP は入室判定を行い、許可された場合はWebSocketにアップグレードして
// 接続が閉じるまでフレームを処理する。
// GET /chat/{tripID}
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")

	user, err := g.admit(r.Context(), tripID, r.Header.Get("Authorization"))
	if err != nil {
		g.reject(w, tripID, err)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.RecordAdmission(metrics.AdmissionBadRequest)
		return
	}
	g.metrics.RecordAdmission(metrics.AdmissionAccepted)

	conn := newConnection(ws, user, tripID, g.cfg)
	if err := g.rooms.Join(tripID, conn); err != nil {
		g.logger.Error("failed to join room",
			slog.String("trip_id", tripID),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}
	g.metrics.RecordConnectionOpened()

	log := g.logger.With(
		slog.String("connection_id", conn.ID),
		slog.String("trip_id", tripID),
		slog.String("user_id", user.ID),
	)
	log.Info("chat connection admitted", slog.String("state", StateAdmitted.String()))

	// 読み取りループの終了経路に関わらず、必ずルームから外して接続を閉じる
	defer func() {
		g.rooms.Leave(tripID, conn)
		conn.Close()
		g.metrics.RecordConnectionClosed()
		log.Info("chat connection closed", slog.String("state", StateClosed.String()))
	}()

	go conn.writeLoop()

	// アップグレード後のリクエストコンテキストはServeHTTPが戻るまでキャンセルされないため、
	// 接続のクローズでもキャンセルされるコンテキストを使用する
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	g.readLoop(ctx, conn, log)
}

// admit は入室判定を行い、許可されたユーザーを返す。
// 拒否した場合は*rejectionを返す。
func (g *Gateway) admit(ctx context.Context, tripID, authHeader string) (*model.User, error) {
	// PENDING
	token, ok := auth.ExtractBearerToken(authHeader)
	if !ok {
		return nil, &rejection{stage: StatePending, outcome: metrics.AdmissionBadRequest, err: errMissingBearer}
	}
	if _, err := uuid.Parse(tripID); err != nil {
		return nil, &rejection{stage: StatePending, outcome: metrics.AdmissionBadRequest, err: errInvalidTripID}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.AdmissionTimeout)
	defer cancel()

	// AUTHENTICATING
	user, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, &rejection{stage: StateAuthenticating, outcome: metrics.AdmissionUnauthorized, err: err}
	}

	// AUTHORIZING
	if !g.oracle.IsMember(ctx, tripID, user.ID) {
		err := model.ErrNotAMember
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", model.ErrNotAMember, ctxErr)
		}
		return nil, &rejection{stage: StateAuthorizing, outcome: metrics.AdmissionForbidden, err: err}
	}

	return user, nil
}

// reject は入室拒否を記録し、空ボディの403を返す。
func (g *Gateway) reject(w http.ResponseWriter, tripID string, err error) {
	outcome := metrics.AdmissionForbidden
	stage := StatePending
	var rej *rejection
	if errors.As(err, &rej) {
		outcome = rej.outcome
		stage = rej.stage
	}
	g.metrics.RecordAdmission(outcome)

	g.logger.Warn("chat connection rejected",
		slog.String("trip_id", tripID),
		slog.String("stage", stage.String()),
		slog.String("state", StateRejected.String()),
		slog.String("error", err.Error()),
	)

	w.WriteHeader(http.StatusForbidden)
}

// readLoop は接続が閉じるまでフレームを1件ずつ読み取って処理する。
// 同一接続からのフレームは受信順に保存・配信される。
func (g *Gateway) readLoop(ctx context.Context, conn *Connection, log *slog.Logger) {
	ws := conn.ws
	ws.SetReadLimit(g.cfg.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("chat connection read error", slog.String("error", err.Error()))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug("ignoring malformed frame", slog.String("error", err.Error()))
			continue
		}
		if frame.Type != frameTypeChatMessage {
			continue
		}

		g.handleChatMessage(ctx, conn, frame.Message, log)
	}
}

// handleChatMessage はメッセージを保存し、成功した場合のみ送信者以外のメンバーに配信する。
// 保存に失敗した場合は送信者にのみsend_failedフレームを返し、接続は維持する。
func (g *Gateway) handleChatMessage(ctx context.Context, conn *Connection, text string, log *slog.Logger) {
	pctx, cancel := context.WithTimeout(ctx, g.cfg.PersistTimeout)
	msg, err := g.sink.RecordMessage(pctx, conn.TripID, conn.User, text)
	cancel()

	if err != nil {
		code := sendFailedPersist
		if errors.Is(err, model.ErrInvalidContent) {
			code = sendFailedInvalidContent
		}
		g.metrics.RecordMessageFailed(code)
		log.Warn("failed to record chat message",
			slog.String("reason", code),
			slog.String("error", err.Error()),
		)

		payload, _ := json.Marshal(sendFailedFrame{
			Type:    "send_failed",
			Error:   code,
			Message: text,
		})
		if err := conn.Send(payload); err != nil {
			conn.Close()
		}
		return
	}
	g.metrics.RecordMessagePersisted()

	payload, err := json.Marshal(newOutboundMessage(msg))
	if err != nil {
		log.Error("failed to encode chat message", slog.String("error", err.Error()))
		return
	}
	g.rooms.Broadcast(conn.TripID, conn, payload)
}
