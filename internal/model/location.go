package model

import "time"

// LocationUpdate は端末から送信された位置情報の記録を表す。
// 取り込みパイプラインが作成し、以降は更新・削除しない。
type LocationUpdate struct {
	ID        string
	TripID    string
	UserID    string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// ValidCoordinates は緯度・経度がWGS84の範囲内かを返す。
func ValidCoordinates(latitude, longitude float64) bool {
	return latitude >= -90 && latitude <= 90 && longitude >= -180 && longitude <= 180
}
