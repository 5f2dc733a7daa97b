package registry

import "go.uber.org/atomic"

// RuntimeFlags 全域執行旗標。可能從 signal handler 或計時器 goroutine 讀取，
// 因此使用原子變數。
type RuntimeFlags struct {
	// Finalizing 已進入全域關閉流程
	Finalizing *atomic.Bool
	// TermOrdered 已下令拆除 daemon 樹
	TermOrdered *atomic.Bool
	// AbnormalTermOrdered 已下令異常終止（abort 進行中）
	AbnormalTermOrdered *atomic.Bool

	exitStatus *atomic.Int32
}

// NewRuntimeFlags 建立全部為 false、結束碼為 0 的旗標
func NewRuntimeFlags() *RuntimeFlags {
	return &RuntimeFlags{
		Finalizing:          atomic.NewBool(false),
		TermOrdered:         atomic.NewBool(false),
		AbnormalTermOrdered: atomic.NewBool(false),
		exitStatus:          atomic.NewInt32(0),
	}
}

// UpdateExitStatus records code as the process exit status unless an earlier
// non-zero status is already recorded. Zero never overwrites anything.
// Returns true if code became the exit status.
func (f *RuntimeFlags) UpdateExitStatus(code int) bool {
	if code == 0 {
		return false
	}
	return f.exitStatus.CompareAndSwap(0, int32(code))
}

// ExitStatus 目前保存的結束碼
func (f *RuntimeFlags) ExitStatus() int {
	return int(f.exitStatus.Load())
}
