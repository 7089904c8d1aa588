package model

import "time"

// ChatMessage は旅行チャットに投稿されたメッセージを表す。
// 永続化後はイミュータブルとして扱う。
type ChatMessage struct {
	ID        string
	TripID    string
	Sender    *User
	Content   string
	CreatedAt time.Time
}
