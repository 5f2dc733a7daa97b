package types

// ============================================================================
// 實體記錄
// ============================================================================
//
// 所有跨實體的參照（Proc→Node、Node→daemon、Job→parent）都是 id 或 handle，
// 由 registry 解析；任何跨 activation 邊界保存的參照都必須能偵測失效。

// AppContext 一個 job 內的應用程式規格
type AppContext struct {
	Index    int          `json:"index"`
	App      string       `json:"app"`
	Argv     []string     `json:"argv"`
	Env      []string     `json:"env,omitempty"`
	Cwd      string       `json:"cwd,omitempty"`
	NumProcs int          `json:"num_procs"`       // 0 表示「填滿可用 slots」
	Hosts    []string     `json:"hosts,omitempty"` // 限定節點（空 = 不限）
	Procs    []ProcHandle `json:"-"`
}

// Proc 一個行程
type Proc struct {
	Name      ProcName   `json:"name"`
	Pid       int        `json:"pid"`
	State     ProcState  `json:"state"`
	LocalRank int        `json:"local_rank"`
	NodeRank  int        `json:"node_rank"`
	ExitCode  int        `json:"exit_code"`
	AppIdx    int        `json:"app_idx"`
	Node      NodeHandle `json:"node"`
	Parent    Rank       `json:"parent"` // 負責此行程的 daemon vpid
	Flags     ProcFlags  `json:"flags"`
	Attrs     Attributes `json:"attrs,omitempty"`
}

// Node 一台計算主機
type Node struct {
	Name           string       `json:"name"`
	Aliases        []string     `json:"aliases,omitempty"`
	Daemon         Rank         `json:"daemon"` // 常駐 daemon 的 vpid；RankInvalid 表示沒有
	Slots          int          `json:"slots"`
	SlotsMax       int          `json:"slots_max"` // 0 表示沒有硬上限
	SlotsInUse     int          `json:"slots_inuse"`
	SlotsAvailable int          `json:"-"` // mapper 每次計算的暫存值
	NumProcs       int          `json:"num_procs"`
	State          NodeState    `json:"state"`
	Topology       string       `json:"topology,omitempty"` // 共享拓撲登錄中的鍵
	Procs          []ProcHandle `json:"-"`
	Flags          NodeFlags    `json:"flags"`
}

// HasDaemon reports whether a daemon is resident on the node.
func (n *Node) HasDaemon() bool { return n.Daemon != RankInvalid }

// Matches reports whether name refers to this node by name or alias.
func (n *Node) Matches(name string) bool {
	if n.Name == name {
		return true
	}
	for _, a := range n.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// JobMap 一個 job 的放置結果
type JobMap struct {
	ReqMapper       string        `json:"req_mapper,omitempty"`
	LastMapper      string        `json:"last_mapper,omitempty"`
	Mapping         MappingPolicy `json:"mapping"`
	Ranking         RankingPolicy `json:"ranking"`
	Binding         BindingPolicy `json:"binding"`
	Nodes           []NodeHandle  `json:"nodes"`
	NumNewDaemons   int           `json:"num_new_daemons"`
	DaemonVpidStart Rank          `json:"daemon_vpid_start"`
}

// HasNode reports whether h is already part of the map.
func (m *JobMap) HasNode(h NodeHandle) bool {
	for _, n := range m.Nodes {
		if n == h {
			return true
		}
	}
	return false
}

// Job 一個啟動單位
type Job struct {
	ID    JobID         `json:"id"`
	Apps  []*AppContext `json:"apps"`
	Procs []ProcHandle  `json:"-"` // 依 rank 索引
	Map   *JobMap       `json:"map,omitempty"`
	State JobState      `json:"state"`
	Flags JobFlags      `json:"flags"`
	Attrs Attributes    `json:"attrs,omitempty"`

	NumProcs           int `json:"num_procs"`
	NumMapped          int `json:"num_mapped"`
	NumLaunched        int `json:"num_launched"`
	NumReported        int `json:"num_reported"`
	NumTerminated      int `json:"num_terminated"`
	NumDaemonsReported int `json:"num_daemons_reported"`
	NumLocalProcs      int `json:"num_local_procs"`

	ExitCode   int      `json:"exit_code"`
	Children   []JobID  `json:"children,omitempty"`
	Launcher   JobID    `json:"launcher"`
	Originator ProcName `json:"originator"`
}

// NewJob 建立一個空的 job 與空的 JobMap
func NewJob(id JobID) *Job {
	return &Job{
		ID:         id,
		Map:        &JobMap{DaemonVpidStart: RankInvalid},
		State:      JobStateUndef,
		Launcher:   JobIDInvalid,
		Originator: ProcName{Job: JobIDInvalid, Rank: RankInvalid},
	}
}

// ProcAt 回傳 rank 對應的 handle
func (j *Job) ProcAt(rank Rank) (ProcHandle, bool) {
	if int(rank) >= len(j.Procs) || rank == RankInvalid || rank == RankWildcard {
		return NoProc, false
	}
	h := j.Procs[rank]
	return h, h.Valid()
}

// SetProcAt 將 handle 放在 rank 位置，必要時擴充陣列
func (j *Job) SetProcAt(rank Rank, h ProcHandle) {
	for int(rank) >= len(j.Procs) {
		j.Procs = append(j.Procs, NoProc)
	}
	j.Procs[rank] = h
}

// AllTerminated reports whether every proc of the job has been counted terminated.
func (j *Job) AllTerminated() bool {
	return j.NumTerminated >= j.NumProcs
}
