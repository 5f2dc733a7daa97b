// ============================================================================
// gridlaunch 拓撲 - 節點硬體拓撲查詢
// ============================================================================
//
// Package: internal/topology
// 文件: topology.go
//
// mapper 只透過 Oracle 介面詢問拓撲：
//   - NUMARegions(device): 依與裝置距離排序的 NUMA 區域，以及符合的裝置數
//   - CPUs(region, cpuset, hwt): 區域內可用的處理器數
//   - NumObjects(type): 某類硬體物件的數量
//
// 節點只持有拓撲名稱；實際的 Oracle 放在共享的 Registry 中，
// 多個節點可以共用同一份拓撲。
// ============================================================================

package topology

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrUnknownTopology 名稱不在登錄中
	ErrUnknownTopology = errors.New("topology: unknown topology")
	// ErrBadCPUList cpu 清單格式錯誤
	ErrBadCPUList = errors.New("topology: malformed cpu list")
)

// ObjType 硬體物件類型
type ObjType int

const (
	ObjMachine ObjType = iota
	ObjPackage
	ObjNUMA
	ObjL3Cache
	ObjL2Cache
	ObjL1Cache
	ObjCore
	ObjHWThread
)

var objNames = map[ObjType]string{
	ObjMachine:  "machine",
	ObjPackage:  "package",
	ObjNUMA:     "numa",
	ObjL3Cache:  "l3cache",
	ObjL2Cache:  "l2cache",
	ObjL1Cache:  "l1cache",
	ObjCore:     "core",
	ObjHWThread: "hwthread",
}

func (t ObjType) String() string {
	if n, ok := objNames[t]; ok {
		return n
	}
	return fmt.Sprintf("obj(%d)", int(t))
}

// Locale 節點內位置的字串表示，例如 "numa:1"
func Locale(t ObjType, idx int) string {
	return fmt.Sprintf("%s:%d", t, idx)
}

// RootLocale 整台機器
var RootLocale = Locale(ObjMachine, 0)

// Region 一個 NUMA 區域
type Region struct {
	ID       int
	Distance int
}

// Oracle 單一節點拓撲的查詢介面
type Oracle interface {
	// NUMARegions 回傳依與 device 距離排序的區域（距離相同時依編號），
	// 以及名稱或種類符合 device 的裝置數量。
	NUMARegions(device string) ([]Region, int)
	// CPUs 區域內可用的處理器數；region < 0 表示整台機器。
	// cpuset 非空時只計算其中列出的處理器。
	CPUs(region int, cpuset string, hwtCPUs bool) int
	// NumObjects 某類物件的數量
	NumObjects(t ObjType) int
	// NumPackages 等同 NumObjects(ObjPackage)
	NumPackages() int
	// Devices 已知裝置名稱
	Devices() []string
}

// ============================================================================
// Registry
// ============================================================================

// Registry 共享的拓撲登錄
type Registry struct {
	mu    sync.RWMutex
	topos map[string]Oracle
}

// NewRegistry 建立空登錄
func NewRegistry() *Registry {
	return &Registry{topos: make(map[string]Oracle)}
}

// Set 登錄拓撲
func (r *Registry) Set(name string, o Oracle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topos[name] = o
}

// Get 依名稱取得拓撲
func (r *Registry) Get(name string) (Oracle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.topos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopology, name)
	}
	return o, nil
}

// Names 已登錄的名稱（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topos))
	for n := range r.topos {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// cpu list
// ============================================================================

// ParseCPUList 解析 "0-3,8,10-11" 形式的清單，回傳排序後不重複的編號
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty element in %q", ErrBadCPUList, s)
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := parseCPU(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parseCPU(hi); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("%w: descending range %q", ErrBadCPUList, part)
			}
		}
		for c := first; c <= last; c++ {
			seen[c] = true
		}
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Ints(out)
	return out, nil
}

func parseCPU(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a cpu number", ErrBadCPUList, s)
	}
	return n, nil
}
