// ============================================================================
// gridlaunch Send Queue - 非阻塞送出的工作池
// ============================================================================
//
// reactor 不能阻塞在網路呼叫上，因此 transport 把每次送出包成一個工作，
// 交給固定數量的 worker goroutine 執行；完成後的回呼再排回 reactor。
//
// 生命週期:
//   1. NewSendQueue() - 建立 channel 與速率限制
//   2. Start(n)       - 啟動 n 個 worker
//   3. Submit(fn)     - 提交送出工作
//   4. Stop()         - 取消進行中的送出，等待所有 worker 退出
//
// 送出速率以 token bucket 限制（大量 launch 訊息扇出時保護 root）。
// ============================================================================

package messaging

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

var (
	// ErrQueueClosed 佇列已關閉
	ErrQueueClosed = errors.New("send queue is closed")
	// ErrQueueNotStarted 佇列尚未啟動
	ErrQueueNotStarted = errors.New("send queue not started")
)

// SendQueue 送出工作池
type SendQueue struct {
	taskCh  chan func(ctx context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// NewSendQueue 建立送出佇列；perSecond <= 0 表示不限速
func NewSendQueue(bufferSize int, perSecond float64) *SendQueue {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SendQueue{
		taskCh:  make(chan func(ctx context.Context), bufferSize),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Start 啟動 workers 個 worker
func (q *SendQueue) Start(workers int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueClosed
	}
	if q.started {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	q.started = true
	return nil
}

func (q *SendQueue) work() {
	defer q.wg.Done()
	for {
		select {
		case fn := <-q.taskCh:
			// Wait 只會因停止而失敗；工作仍以已取消的 context 執行，回呼才會觸發
			_ = q.limiter.Wait(q.ctx)
			fn(q.ctx)
		case <-q.ctx.Done():
			q.drain()
			return
		}
	}
}

// drain 以已取消的 context 執行剩餘工作，讓每個送出都有完成回呼
func (q *SendQueue) drain() {
	for {
		select {
		case fn := <-q.taskCh:
			fn(q.ctx)
		default:
			return
		}
	}
}

// Submit 提交一個送出工作；佇列滿時阻塞
func (q *SendQueue) Submit(fn func(ctx context.Context)) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ErrQueueNotStarted
	}
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	select {
	case q.taskCh <- fn:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

// Stop 停止所有 worker；可重複呼叫
func (q *SendQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
