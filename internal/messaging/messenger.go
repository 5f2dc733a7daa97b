package messaging

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

var (
	// 目的地沒有已知位址或端點
	ErrUnknownPeer = errors.New("messaging: unknown peer")
	// 目的地無法連線
	ErrUnreachable = errors.New("messaging: peer unreachable")
	// transport 已關閉
	ErrClosed = errors.New("messaging: closed")
)

// SendCallback 送出完成（成功或失敗）後在 reactor 上呼叫
type SendCallback func(err error, dest types.ProcName, tag Tag)

// RecvCallback 收到訊息後在 reactor 上呼叫
type RecvCallback func(src types.ProcName, tag Tag, buf *Buffer)

// Messenger 非阻塞的訊息層。Send 立即返回；完成回呼與接收回呼
// 都以事件形式排入 reactor。
type Messenger interface {
	Send(dest types.ProcName, buf *Buffer, tag Tag, cb SendCallback)
	Receive(tag Tag, cb RecvCallback)
	CancelReceive(tag Tag)
	Close() error
}

// Poster 將工作排入 reactor（由 state.Engine 實作）
type Poster interface {
	Post(pri state.Priority, name string, fn func())
}

// handlerSet 持久的接收註冊表，transport 共用
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[Tag]RecvCallback
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[Tag]RecvCallback)}
}

func (h *handlerSet) set(tag Tag, cb RecvCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[tag] = cb
}

func (h *handlerSet) remove(tag Tag) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, tag)
}

func (h *handlerSet) get(tag Tag) (RecvCallback, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cb, ok := h.handlers[tag]
	return cb, ok
}

// Routes 路由表：本行程在通訊樹中仍連線的下游 daemon
type Routes struct {
	mu     sync.Mutex
	routes map[types.Rank]bool
}

// NewRoutes 建立空路由表
func NewRoutes() *Routes {
	return &Routes{routes: make(map[types.Rank]bool)}
}

// AddRoute 新增一條到 daemon 的路由
func (r *Routes) AddRoute(rank types.Rank) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[rank] = true
}

// RouteLost 移除路由；回傳該路由原本是否存在
func (r *Routes) RouteLost(rank types.Rank) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.routes[rank] {
		return false
	}
	delete(r.routes, rank)
	return true
}

// NumRoutes 剩餘路由數
func (r *Routes) NumRoutes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// Has reports whether a route to rank is still up.
func (r *Routes) Has(rank types.Rank) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[rank]
}
