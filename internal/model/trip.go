package model

// Trip はグループ旅行を表す。
// 旅行データは外部のCRUDサブシステムが所有し、本サービスは作成者と同行者の参照のみ行う。
type Trip struct {
	ID           string
	Title        string
	CreatorID    string
	CompanionIDs []string
}

// HasParticipant は指定ユーザーが作成者または同行者であるかを返す。
func (t *Trip) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	if t.CreatorID == userID {
		return true
	}
	for _, id := range t.CompanionIDs {
		if id == userID {
			return true
		}
	}
	return false
}
