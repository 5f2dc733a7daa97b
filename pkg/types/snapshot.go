package types

// SnapshotSchemaVersion 快照格式版本
const SnapshotSchemaVersion = 1

// ProcSummary 快照中的行程資訊
type ProcSummary struct {
	Rank     Rank      `json:"rank"`
	Pid      int       `json:"pid"`
	State    ProcState `json:"state"`
	ExitCode int       `json:"exit_code"`
	Node     string    `json:"node"`
	Locale   string    `json:"locale,omitempty"`
}

// JobSummary 快照中的 job 資訊
type JobSummary struct {
	ID            JobID         `json:"id"`
	State         JobState      `json:"state"`
	NumProcs      int           `json:"num_procs"`
	NumTerminated int           `json:"num_terminated"`
	ExitCode      int           `json:"exit_code"`
	Mapper        string        `json:"mapper,omitempty"`
	Procs         []ProcSummary `json:"procs"`
}

// NodeSummary 快照中的節點資訊
type NodeSummary struct {
	Name       string    `json:"name"`
	State      NodeState `json:"state"`
	Slots      int       `json:"slots"`
	SlotsMax   int       `json:"slots_max"`
	SlotsInUse int       `json:"slots_inuse"`
	NumProcs   int       `json:"num_procs"`
	Daemon     Rank      `json:"daemon"`
	Refs       int       `json:"refs"`
}

// SnapshotData 快照資料，用於 status 命令
type SnapshotData struct {
	SchemaVer  int           `json:"schema_ver"`
	TakenAt    int64         `json:"taken_at"` // Unix 毫秒
	Role       string        `json:"role"`
	ExitStatus int           `json:"exit_status"`
	LastSeq    uint64        `json:"last_seq"` // 拍攝時 journal 的最後序號
	Jobs       []JobSummary  `json:"jobs"`
	Nodes      []NodeSummary `json:"nodes"`
}
