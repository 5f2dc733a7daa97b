package topology

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DeviceSpec 一個 I/O 裝置（網卡、GPU）與其最近的 NUMA 區域
type DeviceSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // 例如 "ib"、"gpu"；mindist 可依種類指定
	NUMA int    `yaml:"numa"`
}

// StaticSpec 對稱拓撲的 YAML 描述
//
//	packages: 2
//	numa_per_package: 1
//	cores_per_numa: 8
//	threads_per_core: 2
//	devices:
//	  - {name: mlx5_0, kind: ib, numa: 1}
//
// numa_per_package 為 0 表示沒有 NUMA 資訊，此時 cores_per_numa 是每個 package 的 core 數。
type StaticSpec struct {
	Packages       int          `yaml:"packages"`
	NUMAPerPackage int          `yaml:"numa_per_package"`
	CoresPerNUMA   int          `yaml:"cores_per_numa"`
	ThreadsPerCore int          `yaml:"threads_per_core"`
	Devices        []DeviceSpec `yaml:"devices"`
}

// Static 由 StaticSpec 計算出的拓撲。
//
// 編號規則：core 依 package、NUMA 區域順序連續編號；
// hardware thread 編號為 core*threads_per_core + t。
type Static struct {
	spec StaticSpec
}

var _ Oracle = (*Static)(nil)

// NewStatic 驗證並建立拓撲；未填的 packages/cores/threads 預設為 1
func NewStatic(spec StaticSpec) (*Static, error) {
	if spec.Packages == 0 {
		spec.Packages = 1
	}
	if spec.CoresPerNUMA == 0 {
		spec.CoresPerNUMA = 1
	}
	if spec.ThreadsPerCore == 0 {
		spec.ThreadsPerCore = 1
	}
	if spec.Packages < 0 || spec.NUMAPerPackage < 0 || spec.CoresPerNUMA < 0 || spec.ThreadsPerCore < 0 {
		return nil, fmt.Errorf("topology: negative count in %+v", spec)
	}
	nregions := spec.Packages * spec.NUMAPerPackage
	for _, d := range spec.Devices {
		if d.Name == "" {
			return nil, fmt.Errorf("topology: device without name")
		}
		if nregions > 0 && (d.NUMA < 0 || d.NUMA >= nregions) {
			return nil, fmt.Errorf("topology: device %s on numa %d, only %d regions", d.Name, d.NUMA, nregions)
		}
	}
	return &Static{spec: spec}, nil
}

// ParseStatic 由 YAML 建立拓撲
func ParseStatic(data []byte) (*Static, error) {
	var spec StaticSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return NewStatic(spec)
}

// LoadStatic 讀取 YAML 拓撲檔
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	s, err := ParseStatic(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Flat 單一 package、沒有 NUMA 資訊的拓撲
func Flat(cores int) *Static {
	s, _ := NewStatic(StaticSpec{Packages: 1, CoresPerNUMA: cores, ThreadsPerCore: 1})
	return s
}

func (s *Static) regionsPerPackage() int {
	if s.spec.NUMAPerPackage == 0 {
		return 1
	}
	return s.spec.NUMAPerPackage
}

func (s *Static) numCores() int {
	return s.spec.Packages * s.regionsPerPackage() * s.spec.CoresPerNUMA
}

// NUMARegions 實作 Oracle
func (s *Static) NUMARegions(device string) ([]Region, int) {
	var matched []DeviceSpec
	for _, d := range s.spec.Devices {
		if d.Name == device || (d.Kind != "" && d.Kind == device) {
			matched = append(matched, d)
		}
	}
	if len(matched) == 0 {
		return nil, 0
	}
	nregions := s.spec.Packages * s.spec.NUMAPerPackage
	if nregions == 0 {
		return nil, len(matched)
	}

	near := matched[0].NUMA
	nearPkg := near / s.spec.NUMAPerPackage
	regions := make([]Region, 0, nregions)
	for id := 0; id < nregions; id++ {
		pkg := id / s.spec.NUMAPerPackage
		dist := 10
		switch {
		case id == near:
		case pkg == nearPkg:
			dist = 12
		default:
			dist = 20 + abs(pkg-nearPkg)
		}
		regions = append(regions, Region{ID: id, Distance: dist})
	}
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Distance < regions[j].Distance })
	return regions, len(matched)
}

// CPUs 實作 Oracle；cpuset 無法解析時視為沒有可用處理器
func (s *Static) CPUs(region int, cpuset string, hwtCPUs bool) int {
	var allowed map[int]bool
	if cpuset != "" {
		ids, err := ParseCPUList(cpuset)
		if err != nil {
			return 0
		}
		allowed = make(map[int]bool, len(ids))
		for _, id := range ids {
			allowed[id] = true
		}
	}

	first, last := 0, s.numCores()
	if region >= 0 {
		nregions := s.spec.Packages * s.regionsPerPackage()
		if region >= nregions {
			return 0
		}
		first = region * s.spec.CoresPerNUMA
		last = first + s.spec.CoresPerNUMA
	}

	count := 0
	for core := first; core < last; core++ {
		if !hwtCPUs {
			if allowed == nil || allowed[core] {
				count++
			}
			continue
		}
		for t := 0; t < s.spec.ThreadsPerCore; t++ {
			pu := core*s.spec.ThreadsPerCore + t
			if allowed == nil || allowed[pu] {
				count++
			}
		}
	}
	return count
}

// NumObjects 實作 Oracle
func (s *Static) NumObjects(t ObjType) int {
	switch t {
	case ObjMachine:
		return 1
	case ObjPackage, ObjL3Cache:
		return s.spec.Packages
	case ObjNUMA:
		return s.spec.Packages * s.spec.NUMAPerPackage
	case ObjL2Cache, ObjL1Cache, ObjCore:
		return s.numCores()
	case ObjHWThread:
		return s.numCores() * s.spec.ThreadsPerCore
	}
	return 0
}

// NumPackages 實作 Oracle
func (s *Static) NumPackages() int { return s.spec.Packages }

// Devices 實作 Oracle
func (s *Static) Devices() []string {
	out := make([]string, 0, len(s.spec.Devices))
	for _, d := range s.spec.Devices {
		out = append(out, d.Name)
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
