// ============================================================================
// gridlaunch gRPC transport
// ============================================================================
//
// 每個行程（root 與 daemon）各自啟動一個 gRPC server，提供單一的
// unary 方法 Deliver(BytesValue) → Empty。BytesValue 內是一個 envelope：
//   src job, src rank, dst job, dst rank, tag, payload
// 以同一套型別化 buffer 編碼。
//
// 送出:
//   Send 立即返回，實際的 RPC 交給 SendQueue 的 worker 執行，
//   完成回呼再排回 reactor。送出失敗只記錄並通知 OnSendFailure，不重試。
//   唯一的重試是 daemon 啟動時向 root 回報（DeliverWithRetry，指數退避）。
//
// 連線以位址快取，避免每次送出都重新連線。
// ============================================================================

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

const (
	serviceName   = "gridlaunch.messaging.v1.Messenger"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// deliverServer gRPC 服務實作需滿足的介面
type deliverServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var messengerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridlaunch/messaging.proto",
}

// ============================================================================
// Directory
// ============================================================================

// Directory 行程名稱到網路位址的對照
type Directory struct {
	mu    sync.RWMutex
	addrs map[types.ProcName]string
}

// NewDirectory 建立空的位址表
func NewDirectory() *Directory {
	return &Directory{addrs: make(map[types.ProcName]string)}
}

// Set 設定位址
func (d *Directory) Set(name types.ProcName, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[name] = addr
}

// Lookup 查詢位址
func (d *Directory) Lookup(name types.ProcName) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addrs[name]
	return addr, ok
}

// Daemons daemon job 中所有已知位址，依 rank
func (d *Directory) Daemons() map[types.Rank]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[types.Rank]string)
	for name, addr := range d.addrs {
		if name.IsDaemon() {
			out[name.Rank] = addr
		}
	}
	return out
}

// ============================================================================
// Transport
// ============================================================================

// GRPCConfig transport 設定
type GRPCConfig struct {
	Self        types.ProcName
	ListenAddr  string        // 空字串表示不啟動 server
	SendWorkers int           // 送出 worker 數
	SendRate    float64       // 每秒送出上限，<= 0 不限
	SendTimeout time.Duration // 單次 RPC 逾時
	DialTimeout time.Duration // DeliverWithRetry 的總重試時間
}

// GRPC 以 gRPC 實作 Messenger
type GRPC struct {
	cfg      GRPCConfig
	dir      *Directory
	poster   Poster
	handlers *handlerSet
	queue    *SendQueue
	log      *slog.Logger

	server *grpc.Server
	lis    net.Listener

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool

	// OnSendFailure 送出失敗時在 reactor 上呼叫
	OnSendFailure func(dest types.ProcName)
}

var _ Messenger = (*GRPC)(nil)

// NewGRPC 建立 transport；呼叫 Start 之後才會收送
func NewGRPC(cfg GRPCConfig, dir *Directory, poster Poster) *GRPC {
	if cfg.SendWorkers <= 0 {
		cfg.SendWorkers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &GRPC{
		cfg:      cfg,
		dir:      dir,
		poster:   poster,
		handlers: newHandlerSet(),
		queue:    NewSendQueue(1024, cfg.SendRate),
		log:      slog.Default().With("component", "grpc-transport", "self", cfg.Self.String()),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Start 啟動送出 worker 與（若有設定）server
func (g *GRPC) Start() error {
	if err := g.queue.Start(g.cfg.SendWorkers); err != nil {
		return err
	}
	if g.cfg.ListenAddr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.cfg.ListenAddr, err)
	}
	g.lis = lis
	g.server = grpc.NewServer()
	g.server.RegisterService(&messengerServiceDesc, g)

	go func() {
		if err := g.server.Serve(lis); err != nil {
			g.log.Error("grpc server stopped", "error", err)
		}
	}()
	g.log.Info("grpc transport listening", "addr", lis.Addr().String())
	return nil
}

// Addr server 實際的監聽位址
func (g *GRPC) Addr() string {
	if g.lis == nil {
		return ""
	}
	return g.lis.Addr().String()
}

// Deliver gRPC 方法：解開 envelope，把接收回呼排入 reactor
func (g *GRPC) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	src, dst, tag, payload, err := decodeEnvelope(in.GetValue())
	if err != nil {
		return nil, err
	}
	if dst != g.cfg.Self {
		return nil, fmt.Errorf("%w: %s is not %s", ErrUnknownPeer, dst, g.cfg.Self)
	}
	g.poster.Post(state.PriorityMsg, "recv "+tag.String(), func() {
		cb, ok := g.handlers.get(tag)
		if !ok {
			g.log.Debug("no receiver for tag", "tag", tag, "src", src)
			return
		}
		cb(src, tag, FromBytes(payload))
	})
	return &emptypb.Empty{}, nil
}

// Send 非阻塞送出
func (g *GRPC) Send(dest types.ProcName, buf *Buffer, tag Tag, cb SendCallback) {
	complete := func(err error) {
		g.poster.Post(state.PriorityMsg, "send-complete "+tag.String(), func() {
			if err != nil {
				g.log.Warn("send failed", "dest", dest, "tag", tag, "error", err)
				if g.OnSendFailure != nil {
					g.OnSendFailure(dest)
				}
			}
			if cb != nil {
				cb(err, dest, tag)
			}
		})
	}

	addr, ok := g.dir.Lookup(dest)
	if !ok {
		complete(fmt.Errorf("%w: %s", ErrUnknownPeer, dest))
		return
	}
	env := encodeEnvelope(g.cfg.Self, dest, tag, buf.Bytes())

	err := g.queue.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
		defer cancel()
		complete(g.invoke(ctx, addr, env))
	})
	if err != nil {
		complete(err)
	}
}

// DeliverWithRetry 同步送出，連線失敗時以指數退避重試到 DialTimeout。
// 只用於 daemon 啟動時的第一次回報。
func (g *GRPC) DeliverWithRetry(ctx context.Context, dest types.ProcName, buf *Buffer, tag Tag) error {
	addr, ok := g.dir.Lookup(dest)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, dest)
	}
	env := encodeEnvelope(g.cfg.Self, dest, tag, buf.Bytes())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = g.cfg.DialTimeout

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		rpcCtx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
		defer cancel()
		err := g.invoke(rpcCtx, addr, env)
		if err != nil {
			g.log.Debug("deliver attempt failed", "dest", dest, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (g *GRPC) invoke(ctx context.Context, addr string, env []byte) error {
	conn, err := g.conn(addr)
	if err != nil {
		return err
	}
	out := new(emptypb.Empty)
	return conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(env), out)
}

func (g *GRPC) conn(addr string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}
	if c, ok := g.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	g.conns[addr] = c
	return c, nil
}

// Receive 持久註冊 tag 的接收回呼
func (g *GRPC) Receive(tag Tag, cb RecvCallback) { g.handlers.set(tag, cb) }

// CancelReceive 取消註冊
func (g *GRPC) CancelReceive(tag Tag) { g.handlers.remove(tag) }

// Close 停止 server、送出 worker 並關閉所有連線
func (g *GRPC) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()

	if g.server != nil {
		g.server.Stop()
	}
	g.queue.Stop()

	var firstErr error
	for addr, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close conn %s: %w", addr, err)
		}
	}
	return firstErr
}

// ============================================================================
// Envelope
// ============================================================================

func encodeEnvelope(src, dst types.ProcName, tag Tag, payload []byte) []byte {
	b := NewBuffer()
	b.PackJobID(src.Job)
	b.PackRank(src.Rank)
	b.PackJobID(dst.Job)
	b.PackRank(dst.Rank)
	b.PackUint32(uint32(tag))
	b.PackBytes(payload)
	return b.Bytes()
}

func decodeEnvelope(data []byte) (src, dst types.ProcName, tag Tag, payload []byte, err error) {
	b := FromBytes(data)
	if src.Job, err = b.UnpackJobID(); err != nil {
		return
	}
	if src.Rank, err = b.UnpackRank(); err != nil {
		return
	}
	if dst.Job, err = b.UnpackJobID(); err != nil {
		return
	}
	if dst.Rank, err = b.UnpackRank(); err != nil {
		return
	}
	var t uint32
	if t, err = b.UnpackUint32(); err != nil {
		return
	}
	tag = Tag(t)
	payload, err = b.UnpackBytes()
	return
}
