// Package types 定義 gridlaunch 的核心領域模型：
// 識別碼、狀態空間、旗標、屬性以及 Job/AppContext/Proc/Node/JobMap 記錄。
package types

import (
	"fmt"
	"math"
)

// JobID 任務識別碼。Job 0 保留給 daemon job（root 為其 rank 0）。
type JobID uint32

// Rank 行程在 job 內的識別碼（vpid）
type Rank uint32

const (
	// JobIDInvalid 表示「沒有 job」
	JobIDInvalid JobID = math.MaxUint32
	// JobIDWildcard 匹配所有 job
	JobIDWildcard JobID = math.MaxUint32 - 1
	// DaemonJob daemon 與 root 所屬的 job
	DaemonJob JobID = 0

	// RankInvalid 也是變長 proc 報告的結尾標記 (sentinel)
	RankInvalid Rank = math.MaxUint32
	// RankWildcard 匹配 job 內所有 rank
	RankWildcard Rank = math.MaxUint32 - 1
	// RootRank root coordinator 在 daemon job 中的 rank
	RootRank Rank = 0
)

func (j JobID) String() string {
	switch j {
	case JobIDInvalid:
		return "INVALID"
	case JobIDWildcard:
		return "WILDCARD"
	}
	return fmt.Sprintf("%d", uint32(j))
}

func (r Rank) String() string {
	switch r {
	case RankInvalid:
		return "INVALID"
	case RankWildcard:
		return "WILDCARD"
	}
	return fmt.Sprintf("%d", uint32(r))
}

// ProcName 由 job id + rank 唯一識別一個行程
type ProcName struct {
	Job  JobID `json:"job"`
	Rank Rank  `json:"rank"`
}

// WildcardName 匹配所有 job 的所有 rank
var WildcardName = ProcName{Job: JobIDWildcard, Rank: RankWildcard}

// RootName root coordinator 的名稱
var RootName = ProcName{Job: DaemonJob, Rank: RootRank}

// DaemonName 回傳第 vpid 個 daemon 的名稱
func DaemonName(vpid Rank) ProcName {
	return ProcName{Job: DaemonJob, Rank: vpid}
}

func (n ProcName) String() string {
	return fmt.Sprintf("[%s,%s]", n.Job, n.Rank)
}

// IsWildcard reports whether n addresses more than one process.
func (n ProcName) IsWildcard() bool {
	return n.Job == JobIDWildcard || n.Rank == RankWildcard
}

// Matches reports whether the concrete name other is covered by n.
func (n ProcName) Matches(other ProcName) bool {
	if n.Job != JobIDWildcard && n.Job != other.Job {
		return false
	}
	return n.Rank == RankWildcard || n.Rank == other.Rank
}

// IsDaemon reports whether n names a daemon (or the root).
func (n ProcName) IsDaemon() bool {
	return n.Job == DaemonJob
}

// ============================================================================
// Arena handles
// ============================================================================

// NodeHandle 指向 registry 節點池中的一個槽位。
// Gen 與槽位目前的世代不同時，handle 已失效。
type NodeHandle struct {
	Index int    `json:"index"`
	Gen   uint32 `json:"gen"`
}

// ProcHandle 指向 registry proc arena 中的一個槽位
type ProcHandle struct {
	Index int    `json:"index"`
	Gen   uint32 `json:"gen"`
}

// NoNode 表示尚未指派節點
var NoNode = NodeHandle{Index: -1}

// NoProc 表示空的 proc 參照
var NoProc = ProcHandle{Index: -1}

// Valid reports whether h points at a slot at all (it may still be stale).
func (h NodeHandle) Valid() bool { return h.Index >= 0 }

// Valid reports whether h points at a slot at all (it may still be stale).
func (h ProcHandle) Valid() bool { return h.Index >= 0 }
