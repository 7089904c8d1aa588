package gateway

import (
	"time"

	"github.com/hitoshi/tripchat/internal/model"
)

const frameTypeChatMessage = "chat_message"

// send_failed フレームのエラーコード
const (
	sendFailedInvalidContent = "invalid_content"
	sendFailedPersist        = "persist_failed"
)

// inboundFrame はクライアントから受信するフレーム。
type inboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type senderPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// outboundMessage はルームの他のメンバーに配信するメッセージフレーム。
type outboundMessage struct {
	ID        string        `json:"id"`
	Sender    senderPayload `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt string        `json:"created_at"`
}

func newOutboundMessage(msg *model.ChatMessage) outboundMessage {
	return outboundMessage{
		ID: msg.ID,
		Sender: senderPayload{
			ID:    msg.Sender.ID,
			Email: msg.Sender.Email,
			Name:  msg.Sender.DisplayName(),
		},
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339Nano),
	}
}

// sendFailedFrame は保存に失敗したことを送信者のみに通知するフレーム。
type sendFailedFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
