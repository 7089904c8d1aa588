package ingest

// State は取り込みパイプラインの状態。
//
//	DISCONNECTED → CONNECTING → CONSUMING → (接続断) DISCONNECTED
//	任意の状態 → STOPPING → STOPPED
//	CONNECTING → (リトライ上限) FAILED
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConsuming
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConsuming:
		return "CONSUMING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// terminal はこれ以上遷移しない状態であればtrueを返す。
func (s State) terminal() bool {
	return s == StateStopped || s == StateFailed
}
