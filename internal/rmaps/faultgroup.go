package rmaps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// FaultGroup 一組假設會同時失效的節點
type FaultGroup struct {
	ID    int
	Nodes []types.NodeHandle

	included bool
	used     bool
}

// avgLoad 群組內節點的平均行程數
func (g *FaultGroup) avgLoad(reg *registry.Registry) float64 {
	total, count := 0, 0
	for _, h := range g.Nodes {
		n, err := reg.Node(h)
		if err != nil {
			continue
		}
		total += n.NumProcs
		count++
	}
	if count == 0 {
		return -1
	}
	return float64(total) / float64(count)
}

// contains reports whether h belongs to the group.
func (g *FaultGroup) contains(h types.NodeHandle) bool {
	for _, n := range g.Nodes {
		if n == h {
			return true
		}
	}
	return false
}

// ParseFaultGroups 讀取故障群組描述：每行一組，節點名稱以逗號分隔。
// 行尾的換行（與 CR）會被移除；不在節點池中的名稱忽略；沒有任何已知節點的行不成組。
func ParseFaultGroups(r io.Reader, reg *registry.Registry) ([]*FaultGroup, error) {
	var groups []*FaultGroup
	br := bufio.NewReader(r)
	id := 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			g := &FaultGroup{ID: id}
			id++
			for _, name := range strings.Split(line, ",") {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				h, _, ok := reg.NodeByName(name)
				if !ok || g.contains(h) {
					continue
				}
				g.Nodes = append(g.Nodes, h)
			}
			if len(g.Nodes) > 0 {
				groups = append(groups, g)
			}
		}
		if errors.Is(err, io.EOF) {
			return groups, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFaultGroups, err)
		}
	}
}

// LoadFaultGroups 由檔案讀取故障群組
func LoadFaultGroups(path string, reg *registry.Registry) ([]*FaultGroup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFaultGroups, err)
	}
	defer f.Close()
	return ParseFaultGroups(f, reg)
}
