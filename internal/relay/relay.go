// Package relay は旅行ごとのチャットルームと、ルーム内へのファンアウト配信を提供する。
//
// ルームは最初のJoinで生成し、最後のメンバーがLeaveした時点で破棄する。
// メンバー集合の変更と配信はルーム単位のロックで直列化するため、
// 異なる旅行のルーム同士が競合することはない。
package relay

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyJoined は接続が既に別のルームに登録されていることを表す。
var ErrAlreadyJoined = errors.New("peer already joined another room")

// Peer はルームに登録される接続。
type Peer interface {
	// Send はペイロードを送信キューに積む。ブロックしてはならない。
	// 接続が閉じている、または送信キューが満杯の場合はエラーを返す。
	Send(payload []byte) error
	// Close は接続を閉じる。複数回呼ばれても安全であること。
	Close()
}

// Recorder はルームの状態変化を記録するメトリクスのインターフェース。
type Recorder interface {
	RecordRoomOpened()
	RecordRoomClosed()
	RecordDeliveryFailure()
}

type nopRecorder struct{}

func (nopRecorder) RecordRoomOpened()      {}
func (nopRecorder) RecordRoomClosed()      {}
func (nopRecorder) RecordDeliveryFailure() {}

// room は1つの旅行チャットのメンバー集合。
// closedはメンバーが空になりレジストリから外されることが確定した状態を表し、
// 以降このroomへのJoinは新しいroomで再試行する。
type room struct {
	mu      sync.Mutex
	members map[Peer]struct{}
	closed  bool
}

// Relay は旅行IDからルームへのレジストリ。
// プロセス起動時に1つ生成し、Gatewayに注入して使用する。
type Relay struct {
	mu    sync.RWMutex
	rooms map[string]*room

	// memberOf は接続がどの旅行のルームに登録されているかを保持する（Peer -> tripID）。
	memberOf sync.Map

	logger  *slog.Logger
	metrics Recorder
}

// New はRelayを生成する。recorderがnilの場合はメトリクスを記録しない。
func New(logger *slog.Logger, recorder Recorder) *Relay {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Relay{
		rooms:   make(map[string]*room),
		logger:  logger,
		metrics: recorder,
	}
}

// Join は接続を旅行のルームに登録する。ルームが存在しなければ生成する。
// 同じルームへの再登録は何もしない。別のルームに登録済みの場合はErrAlreadyJoinedを返す。
func (r *Relay) Join(tripID string, p Peer) error {
	if current, loaded := r.memberOf.LoadOrStore(p, tripID); loaded {
		if current.(string) != tripID {
			return ErrAlreadyJoined
		}
	}

	for {
		rm := r.getOrCreateRoom(tripID)

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			// 破棄が確定したroomがまだレジストリに残っている場合は自分で外してから再試行する
			r.removeRoom(tripID, rm)
			continue
		}
		rm.members[p] = struct{}{}
		rm.mu.Unlock()
		return nil
	}
}

// Leave は接続をルームから外す。最後のメンバーだった場合はルームを破棄する。
// 登録されていない接続に対しては何もせずfalseを返す（冪等）。
func (r *Relay) Leave(tripID string, p Peer) bool {
	rm := r.lookupRoom(tripID)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	if _, ok := rm.members[p]; !ok {
		rm.mu.Unlock()
		return false
	}
	delete(rm.members, p)
	emptied := len(rm.members) == 0
	if emptied {
		rm.closed = true
	}
	rm.mu.Unlock()

	r.memberOf.CompareAndDelete(p, tripID)

	if emptied {
		r.removeRoom(tripID, rm)
	}
	return true
}

// Broadcast は送信元を除くルームの全メンバーにペイロードを配信し、配信できた数を返す。
//
// 送信元には配信しない。クライアントは自分の送信を楽観的に描画する前提であり、
// 送信元へのエコーは行わない。
//
// 配信はメンバーごとのベストエフォートで、あるメンバーへの送信に失敗しても
// 他のメンバーへの配信は継続する。失敗したメンバーはルームから外して接続を閉じ、
// エラーは送信元に返さない。
func (r *Relay) Broadcast(tripID string, exclude Peer, payload []byte) int {
	rm := r.lookupRoom(tripID)
	if rm == nil {
		return 0
	}

	var failed []Peer
	delivered := 0

	// 同一送信元からの配信順序を保つため、キューへの投入はルームのロック内で行う
	rm.mu.Lock()
	for member := range rm.members {
		if member == exclude {
			continue
		}
		if err := member.Send(payload); err != nil {
			failed = append(failed, member)
			continue
		}
		delivered++
	}
	rm.mu.Unlock()

	for _, p := range failed {
		r.metrics.RecordDeliveryFailure()
		if r.Leave(tripID, p) {
			r.logger.Warn("dropping peer after delivery failure",
				slog.String("trip_id", tripID),
			)
		}
		p.Close()
	}

	return delivered
}

// MemberCount は旅行のルームの現在のメンバー数を返す。ルームが無ければ0。
func (r *Relay) MemberCount(tripID string) int {
	rm := r.lookupRoom(tripID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// RoomCount は現在存在するルーム数を返す。
func (r *Relay) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// CloseAll は全ルームの全接続を閉じる。シャットダウン時に使用する。
// 各接続の後始末（Leave）は接続側の終了処理で行われる。
func (r *Relay) CloseAll() {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	var peers []Peer
	for _, rm := range rooms {
		rm.mu.Lock()
		for p := range rm.members {
			peers = append(peers, p)
		}
		rm.mu.Unlock()
	}

	for _, p := range peers {
		p.Close()
	}
}

func (r *Relay) lookupRoom(tripID string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[tripID]
}

func (r *Relay) getOrCreateRoom(tripID string) *room {
	if rm := r.lookupRoom(tripID); rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// ダブルチェック
	if rm, ok := r.rooms[tripID]; ok {
		return rm
	}

	rm := &room{members: make(map[Peer]struct{})}
	r.rooms[tripID] = rm
	r.metrics.RecordRoomOpened()
	return rm
}

// removeRoom はレジストリ上のroomが指定のものと同一の場合のみ削除する。
func (r *Relay) removeRoom(tripID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.rooms[tripID]; ok && current == rm {
		delete(r.rooms, tripID)
		r.metrics.RecordRoomClosed()
	}
}
