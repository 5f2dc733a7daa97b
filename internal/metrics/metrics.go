// ============================================================================
// gridlaunch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 launcher 運行指標，支持 Prometheus 監控
//
// Collector 同時實作三個觀測介面：
//   - state.Observer:  狀態啟動、丟棄、分派延遲、佇列深度
//   - rmaps.Observer:  mapper 執行結果與放置的行程數
//   - errmgr.Observer: 送出的報告與 abort 的 job
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - gridlaunch_state_activations_total{kind,state}
//      - gridlaunch_state_dropped_total{kind,state}: 沒有處理函式的事件
//      - gridlaunch_errmgr_reports_total{kind}
//      - gridlaunch_errmgr_aborts_total{state}
//      - gridlaunch_mapper_runs_total{mapper,result}
//      - gridlaunch_procs_mapped_total
//
//   2. 分佈 (Histogram):
//      - gridlaunch_dispatch_wait_seconds{priority}: 排隊到開始執行
//      - gridlaunch_dispatch_run_seconds{priority}:  handler 執行時間
//
//   3. 瞬時值 (Gauge):
//      - gridlaunch_queue_depth
//      - gridlaunch_active_jobs
//      - gridlaunch_exit_status
//
// Prometheus 查詢示例:
//
//   # 每分鐘 abort 的 job
//   rate(gridlaunch_errmgr_aborts_total[1m])
//
//   # reactor 95 分位排隊延遲
//   histogram_quantile(0.95, gridlaunch_dispatch_wait_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

const namespace = "gridlaunch"

// Collector Prometheus 指標收集器
type Collector struct {
	// state engine
	activations  *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	dispatchWait *prometheus.HistogramVec
	dispatchRun  *prometheus.HistogramVec
	queueDepth   prometheus.Gauge

	// error manager
	reports *prometheus.CounterVec
	aborts  *prometheus.CounterVec

	// mapper
	mapperRuns  *prometheus.CounterVec
	procsMapped prometheus.Counter

	// 狀態指標
	activeJobs prometheus.Gauge
	exitStatus prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	reactorBuckets := []float64{.00001, .0001, .001, .01, .1, 1}
	c := &Collector{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_activations_total",
			Help:      "Total number of state activations by kind and state",
		}, []string{"kind", "state"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_dropped_total",
			Help:      "State activations dropped because no handler was registered",
		}, []string{"kind", "state"}),
		dispatchWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_wait_seconds",
			Help:      "Time an event spent queued before dispatch",
			Buckets:   reactorBuckets,
		}, []string{"priority"}),
		dispatchRun: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_run_seconds",
			Help:      "Time spent inside a reactor handler",
			Buckets:   reactorBuckets,
		}, []string{"priority"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of events waiting in the reactor queue",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errmgr_reports_total",
			Help:      "State reports sent by the error manager",
		}, []string{"kind"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errmgr_aborts_total",
			Help:      "Jobs aborted by the error manager, by job state",
		}, []string{"state"}),
		mapperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapper_runs_total",
			Help:      "Mapper invocations by mapper and result",
		}, []string{"mapper", "result"}),
		procsMapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procs_mapped_total",
			Help:      "Total number of procs placed by the mappers",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Current number of application jobs in the registry",
		}),
		exitStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exit_status",
			Help:      "Exit status the process will terminate with",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(
		c.activations,
		c.dropped,
		c.dispatchWait,
		c.dispatchRun,
		c.queueDepth,
		c.reports,
		c.aborts,
		c.mapperRuns,
		c.procsMapped,
		c.activeJobs,
		c.exitStatus,
	)
	return c
}

// ============================================================================
// state.Observer
// ============================================================================

// ObserveActivation 記錄狀態啟動
func (c *Collector) ObserveActivation(kind, state string) {
	c.activations.WithLabelValues(kind, state).Inc()
}

// ObserveDropped 記錄沒有處理函式而被丟棄的事件
func (c *Collector) ObserveDropped(kind, state string) {
	c.dropped.WithLabelValues(kind, state).Inc()
}

// ObserveDispatch 記錄排隊與執行時間
func (c *Collector) ObserveDispatch(priority string, wait, run time.Duration) {
	c.dispatchWait.WithLabelValues(priority).Observe(wait.Seconds())
	c.dispatchRun.WithLabelValues(priority).Observe(run.Seconds())
}

// ObserveQueueDepth 更新佇列深度
func (c *Collector) ObserveQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// ============================================================================
// rmaps.Observer
// ============================================================================

// ObserveMapping 記錄 mapper 結果
func (c *Collector) ObserveMapping(mapper, result string, procs int) {
	c.mapperRuns.WithLabelValues(mapper, result).Inc()
	if procs > 0 {
		c.procsMapped.Add(float64(procs))
	}
}

// ============================================================================
// errmgr.Observer
// ============================================================================

// ObserveReport 記錄送出的報告
func (c *Collector) ObserveReport(kind string) {
	c.reports.WithLabelValues(kind).Inc()
}

// ObserveAbort 記錄 abort 的 job
func (c *Collector) ObserveAbort(_ types.JobID, state string) {
	c.aborts.WithLabelValues(state).Inc()
}

// ============================================================================
// 其他
// ============================================================================

// SetActiveJobs 更新目前的應用 job 數
func (c *Collector) SetActiveJobs(n int) {
	c.activeJobs.Set(float64(n))
}

// SetExitStatus 更新保存的結束碼
func (c *Collector) SetExitStatus(code int) {
	c.exitStatus.Set(float64(code))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器；ctx 結束時關閉並回傳 nil
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics server listening", "port", port)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return err
	}
}
