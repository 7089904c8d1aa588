// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// ユーザーの作成・更新は外部のCRUDサブシステムが所有し、本サービスは参照のみ行う。
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	CreatedAt time.Time
}

// DisplayName はチャット上に表示する氏名を返す。
// 姓名のいずれかが空でも常に "first last" の形式で連結する。
func (u *User) DisplayName() string {
	return u.FirstName + " " + u.LastName
}
