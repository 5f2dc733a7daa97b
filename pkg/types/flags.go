package types

import (
	"fmt"
	"strings"
)

// ProcFlags 行程旗標（位元遮罩）
type ProcFlags uint32

const (
	ProcFlagAlive       ProcFlags = 1 << iota // 行程仍在執行
	ProcFlagAborted                           // 行程異常終止
	ProcFlagUpdated                           // 有待送出的狀態更新
	ProcFlagLocal                             // 行程屬於本節點
	ProcFlagReported                          // 已回報 contact info
	ProcFlagReg                               // 已註冊
	ProcFlagHasDereg                          // 已解除註冊
	ProcFlagAsMPI                             // MPI 行程
	ProcFlagIOFComplete                       // I/O forwarding 已結束
	ProcFlagWaitpid                           // waitpid 已觸發
	ProcFlagRecorded                          // 終止已計入 job 計數
	ProcFlagDataInSM                          // 資料已放入共享記憶體
	ProcFlagDataRecvd                         // 已收到資料
	ProcFlagTerminated                        // 已完成終止處理
)

// Has reports whether every bit in f is set.
func (p ProcFlags) Has(f ProcFlags) bool { return p&f == f }

// Set turns on the bits in f.
func (p *ProcFlags) Set(f ProcFlags) { *p |= f }

// Unset turns off the bits in f.
func (p *ProcFlags) Unset(f ProcFlags) { *p &^= f }

// JobFlags 任務旗標
type JobFlags uint32

const (
	JobFlagRestart        JobFlags = 1 << iota // job 正在重啟部分行程
	JobFlagAborted                             // job 已被判定異常終止（first failure wins）
	JobFlagOversubscribed                      // 至少一個節點超額配置
	JobFlagProcsMigrating                      // 有行程正在遷移
	JobFlagRecoverable                         // 行程失敗時嘗試重新放置
	JobFlagForwardOutput                       // 轉送 stdout/stderr
	JobFlagDebuggerDaemon                      // debugger daemon job
	JobFlagMapDone                             // 映射完成
)

func (j JobFlags) Has(f JobFlags) bool { return j&f == f }
func (j *JobFlags) Set(f JobFlags)     { *j |= f }
func (j *JobFlags) Unset(f JobFlags)   { *j &^= f }

// NodeFlags 節點旗標
type NodeFlags uint32

const (
	NodeFlagMapped         NodeFlags = 1 << iota // 本次映射已處理（暫時性）
	NodeFlagOversubscribed                       // 超額配置
	NodeFlagSlotsGiven                           // slots 由使用者明確指定
	NodeFlagDaemonLaunched                       // daemon 已啟動
	NodeFlagLocal                                // root 所在節點
)

func (n NodeFlags) Has(f NodeFlags) bool { return n&f == f }
func (n *NodeFlags) Set(f NodeFlags)     { *n |= f }
func (n *NodeFlags) Unset(f NodeFlags)   { *n &^= f }

// ============================================================================
// Mapping / ranking / binding policies
// ============================================================================

// MappingPolicy 低 8 位元為 mapper 選擇，高位元為 directive
type MappingPolicy uint16

const (
	MapByNode MappingPolicy = iota + 1
	MapBySlot
	MapByCPUList
	MapByHWThread
	MapByCore
	MapByL1Cache
	MapByL2Cache
	MapByL3Cache
	MapBySocket
	MapByNUMA
	MapByDist
)

const (
	MapNoOversubscribe MappingPolicy = 0x0100 << iota
	MapSubscribeGiven
	MapSpan
	MapNoUseLocal
	MapGiven
)

const mappingMask MappingPolicy = 0x00ff

// Mapper 回傳策略中的 mapper 部分
func (p MappingPolicy) Mapper() MappingPolicy { return p & mappingMask }

// WithMapper 替換 mapper 部分，保留 directive
func (p MappingPolicy) WithMapper(m MappingPolicy) MappingPolicy {
	return (p &^ mappingMask) | (m & mappingMask)
}

// HasDirective reports whether directive d is set.
func (p MappingPolicy) HasDirective(d MappingPolicy) bool { return p&d == d }

var mapperNames = map[MappingPolicy]string{
	MapByNode:     "bynode",
	MapBySlot:     "byslot",
	MapByCPUList:  "bycpulist",
	MapByHWThread: "byhwthread",
	MapByCore:     "bycore",
	MapByL1Cache:  "byl1cache",
	MapByL2Cache:  "byl2cache",
	MapByL3Cache:  "byl3cache",
	MapBySocket:   "bysocket",
	MapByNUMA:     "bynuma",
	MapByDist:     "bydist",
}

func (p MappingPolicy) String() string {
	name, ok := mapperNames[p.Mapper()]
	if !ok {
		name = "unset"
	}
	var dirs []string
	if p.HasDirective(MapNoOversubscribe) {
		dirs = append(dirs, "nooversubscribe")
	}
	if p.HasDirective(MapSubscribeGiven) {
		dirs = append(dirs, "subscribegiven")
	}
	if p.HasDirective(MapSpan) {
		dirs = append(dirs, "span")
	}
	if p.HasDirective(MapNoUseLocal) {
		dirs = append(dirs, "nolocal")
	}
	if len(dirs) == 0 {
		return name
	}
	return name + ":" + strings.Join(dirs, ",")
}

// ParseMapper 由名稱解析 mapper 部分（例如 "byslot"）
func ParseMapper(name string) (MappingPolicy, error) {
	for p, n := range mapperNames {
		if n == strings.ToLower(name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown mapping policy %q", name)
}

// IsObjectMapper reports whether the mapper places by hardware object.
func (p MappingPolicy) IsObjectMapper() bool {
	switch p.Mapper() {
	case MapByHWThread, MapByCore, MapByL1Cache, MapByL2Cache, MapByL3Cache, MapBySocket, MapByNUMA:
		return true
	}
	return false
}

// RankingPolicy 排名策略
type RankingPolicy uint8

const (
	RankBySlot RankingPolicy = iota + 1
	RankByNode
	RankByObject
)

func (r RankingPolicy) String() string {
	switch r {
	case RankBySlot:
		return "byslot"
	case RankByNode:
		return "bynode"
	case RankByObject:
		return "byobject"
	}
	return "unset"
}

// BindingPolicy 綁定策略，只記錄不執行
type BindingPolicy uint8

const (
	BindNone BindingPolicy = iota
	BindToCore
	BindToHWThread
	BindToNUMA
)
