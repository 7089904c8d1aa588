package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/tripchat/internal/model"
)

var (
	// ErrConnectionClosed は閉じた接続への送信を表す。
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull は送信キューが満杯であることを表す。受信が遅いクライアントで発生する。
	ErrSendBufferFull = errors.New("send buffer full")
)

// Connection は1つのWebSocket接続。生存期間を通じて1人のユーザーと1つの旅行に紐づく。
//
// 送信はバッファ付きチャネルに積み、単一のwriteLoopが順番に書き込む。
// そのため同一接続への送信順序はSendの呼び出し順と一致する。
type Connection struct {
	ID     string
	User   *model.User
	TripID string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	writeWait  time.Duration
	pingPeriod time.Duration
}

func newConnection(ws *websocket.Conn, user *model.User, tripID string, cfg Config) *Connection {
	return &Connection{
		ID:         uuid.NewString(),
		User:       user,
		TripID:     tripID,
		ws:         ws,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		writeWait:  cfg.WriteWait,
		pingPeriod: cfg.PingPeriod,
	}
}

// Send はペイロードを送信キューに積む。ブロックしない。
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close は接続を閉じてwriteLoopを停止する。複数回呼ばれても安全。
func (c *Connection) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Connection) closeWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// Done は接続が閉じられたときにクローズされるチャネルを返す。
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// writeLoop は送信キューのペイロードを書き込み、定期的にPingを送る。
// 書き込みに失敗した場合は接続を閉じ、読み取りループも終了させる。
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.closeWith(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
