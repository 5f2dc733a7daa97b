package messaging

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// Hub 行程內的訊息交換，連接多個 Loopback 端點。
// 用於單機執行與測試：每個端點有自己的 reactor。
type Hub struct {
	mu        sync.Mutex
	endpoints map[types.ProcName]*Loopback
}

// NewHub 建立空的 hub
func NewHub() *Hub {
	return &Hub{endpoints: make(map[types.ProcName]*Loopback)}
}

// Endpoint 為 self 建立端點；回呼排入 poster
func (h *Hub) Endpoint(self types.ProcName, poster Poster) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := &Loopback{hub: h, self: self, poster: poster, handlers: newHandlerSet()}
	h.endpoints[self] = ep
	return ep
}

// Disconnect 讓端點不可達（模擬節點失聯）
func (h *Hub) Disconnect(name types.ProcName) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, name)
}

func (h *Hub) lookup(name types.ProcName) (*Loopback, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, ok := h.endpoints[name]
	return ep, ok
}

// Loopback 一個 hub 端點
type Loopback struct {
	hub      *Hub
	self     types.ProcName
	poster   Poster
	handlers *handlerSet

	mu     sync.Mutex
	closed bool
	// OnSendFailure 送出失敗時呼叫（在 reactor 上）
	OnSendFailure func(dest types.ProcName)
}

var _ Messenger = (*Loopback)(nil)

// Send 將訊息交給目的端點；資料會被複製，呼叫端可以重用 buf
func (l *Loopback) Send(dest types.ProcName, buf *Buffer, tag Tag, cb SendCallback) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()

	var err error
	peer, ok := l.hub.lookup(dest)
	switch {
	case closed:
		err = ErrClosed
	case !ok:
		err = fmt.Errorf("%w: %s", ErrUnreachable, dest)
	default:
		data := append([]byte(nil), buf.Bytes()...)
		peer.deliver(l.self, tag, data)
	}

	l.poster.Post(state.PriorityMsg, "send-complete "+tag.String(), func() {
		if err != nil && l.OnSendFailure != nil {
			l.OnSendFailure(dest)
		}
		if cb != nil {
			cb(err, dest, tag)
		}
	})
}

func (l *Loopback) deliver(src types.ProcName, tag Tag, data []byte) {
	l.poster.Post(state.PriorityMsg, "recv "+tag.String(), func() {
		cb, ok := l.handlers.get(tag)
		if !ok {
			return
		}
		cb(src, tag, FromBytes(data))
	})
}

// Receive 持久註冊 tag 的接收回呼
func (l *Loopback) Receive(tag Tag, cb RecvCallback) { l.handlers.set(tag, cb) }

// CancelReceive 取消註冊
func (l *Loopback) CancelReceive(tag Tag) { l.handlers.remove(tag) }

// Close 自 hub 移除
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.hub.Disconnect(l.self)
	return nil
}
