package rmaps

import (
	"fmt"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// computeRanks 為 map 中尚未排名的行程編號。已有 rank 的行程（重啟、延伸）
// 保留原本的編號，新行程依序取用最小的空位。
func (f *Framework) computeRanks(job *types.Job) error {
	next := firstFreeRank(job, 0)
	assign := func(ph types.ProcHandle, p *types.Proc) {
		p.Name.Rank = next
		job.SetProcAt(next, ph)
		next = firstFreeRank(job, next+1)
	}

	perNode := make([][]unranked, 0, len(job.Map.Nodes))
	total := 0
	for _, nh := range job.Map.Nodes {
		n, err := f.base.reg.Node(nh)
		if err != nil {
			return fmt.Errorf("resolve mapped node: %w", err)
		}
		list := f.unrankedOn(job, n)
		perNode = append(perNode, list)
		total += len(list)
	}

	switch job.Map.Ranking {
	case types.RankByNode:
		// 每輪每個節點取一個
		for done := 0; done < total; {
			for i := range perNode {
				if len(perNode[i]) == 0 {
					continue
				}
				u := perNode[i][0]
				perNode[i] = perNode[i][1:]
				assign(u.h, u.p)
				done++
			}
		}
	case types.RankByObject:
		// 節點內依物件輪流，物件順序以第一次出現為準
		for _, list := range perNode {
			for _, u := range interleaveByLocale(list) {
				assign(u.h, u.p)
			}
		}
	default:
		for _, list := range perNode {
			for _, u := range list {
				assign(u.h, u.p)
			}
		}
	}
	return nil
}

type unranked struct {
	h types.ProcHandle
	p *types.Proc
}

func (f *Framework) unrankedOn(job *types.Job, n *types.Node) []unranked {
	var out []unranked
	for _, ph := range n.Procs {
		p, err := f.base.reg.Proc(ph)
		if err != nil || p.Name.Job != job.ID || p.Name.Rank != types.RankInvalid {
			continue
		}
		out = append(out, unranked{h: ph, p: p})
	}
	return out
}

func interleaveByLocale(list []unranked) []unranked {
	var (
		order  []string
		groups = make(map[string][]unranked)
	)
	for _, u := range list {
		loc, _ := u.p.Attrs.GetString(types.AttrLocale)
		if _, ok := groups[loc]; !ok {
			order = append(order, loc)
		}
		groups[loc] = append(groups[loc], u)
	}
	out := make([]unranked, 0, len(list))
	for len(out) < len(list) {
		for _, loc := range order {
			g := groups[loc]
			if len(g) == 0 {
				continue
			}
			out = append(out, g[0])
			groups[loc] = g[1:]
		}
	}
	return out
}

func firstFreeRank(job *types.Job, from types.Rank) types.Rank {
	r := from
	for {
		if _, ok := job.ProcAt(r); !ok {
			return r
		}
		r++
	}
}
