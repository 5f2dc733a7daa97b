package messaging

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// Tag 訊息標籤，接收端依標籤分派
type Tag uint32

const (
	// TagPLM daemon → root 的狀態更新與註冊
	TagPLM Tag = iota + 1
	// TagDaemon root → daemon 的命令
	TagDaemon
	// TagLaunchResp root → 發起者 的 launch/spawn 回覆
	TagLaunchResp
	// TagHeartbeat daemon 之間的心跳
	TagHeartbeat
)

func (t Tag) String() string {
	switch t {
	case TagPLM:
		return "plm"
	case TagDaemon:
		return "daemon"
	case TagLaunchResp:
		return "launch-resp"
	case TagHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("tag(%d)", uint32(t))
}

// Cmd 訊息的第一個欄位
type Cmd uint32

const (
	// CmdUpdateProcState 狀態更新報告：jobid 之後接 (rank,pid,state,exit)*，以 RankInvalid 結尾
	CmdUpdateProcState Cmd = iota + 1
	// CmdDaemonReport daemon 回報自己：rank, node, address
	CmdDaemonReport
	// CmdAddLocalProcs 啟動訊息
	CmdAddLocalProcs
	// CmdKillLocalProcs 終止指定的本地行程
	CmdKillLocalProcs
	// CmdExit daemon 結束
	CmdExit
	// CmdDirectory daemon 位址表
	CmdDirectory
	// CmdHeartbeat 心跳：jobid, 送出者 rank
	CmdHeartbeat
	// CmdHeartbeatRequest 要求對方成為自己的觀察者
	CmdHeartbeatRequest
	// CmdLaunchResponse launch/spawn 結果：status, jobid
	CmdLaunchResponse
)

func (c Cmd) String() string {
	switch c {
	case CmdUpdateProcState:
		return "update-proc-state"
	case CmdDaemonReport:
		return "daemon-report"
	case CmdAddLocalProcs:
		return "add-local-procs"
	case CmdKillLocalProcs:
		return "kill-local-procs"
	case CmdExit:
		return "exit"
	case CmdDirectory:
		return "directory"
	case CmdHeartbeat:
		return "heartbeat"
	case CmdHeartbeatRequest:
		return "heartbeat-request"
	case CmdLaunchResponse:
		return "launch-response"
	}
	return fmt.Sprintf("cmd(%d)", uint32(c))
}

// ProcStatus 狀態報告中的單一行程
type ProcStatus struct {
	Rank     types.Rank
	Pid      int
	State    types.ProcState
	ExitCode int
}

// StatusOf 由 proc 記錄取出報告欄位
func StatusOf(p *types.Proc) ProcStatus {
	return ProcStatus{Rank: p.Name.Rank, Pid: p.Pid, State: p.State, ExitCode: p.ExitCode}
}

// PackStateUpdate 寫入一個 job 區塊：jobid，每個行程的 rank/pid/state/exit，
// 最後是 RankInvalid 結尾標記。多個區塊可以接在同一個 buffer 裡。
func PackStateUpdate(buf *Buffer, job types.JobID, procs []ProcStatus) {
	buf.PackJobID(job)
	for _, p := range procs {
		buf.PackRank(p.Rank)
		buf.PackPid(p.Pid)
		buf.PackProcState(p.State)
		buf.PackExitCode(p.ExitCode)
	}
	buf.PackRank(types.RankInvalid)
}

// UnpackStateUpdate 讀取一個 PackStateUpdate 區塊
func UnpackStateUpdate(buf *Buffer) (types.JobID, []ProcStatus, error) {
	job, err := buf.UnpackJobID()
	if err != nil {
		return types.JobIDInvalid, nil, fmt.Errorf("unpack job id: %w", err)
	}
	var procs []ProcStatus
	for {
		rank, err := buf.UnpackRank()
		if err != nil {
			return job, nil, fmt.Errorf("unpack rank: %w", err)
		}
		if rank == types.RankInvalid {
			return job, procs, nil
		}
		st := ProcStatus{Rank: rank}
		if st.Pid, err = buf.UnpackPid(); err != nil {
			return job, nil, fmt.Errorf("unpack pid: %w", err)
		}
		if st.State, err = buf.UnpackProcState(); err != nil {
			return job, nil, fmt.Errorf("unpack state: %w", err)
		}
		if st.ExitCode, err = buf.UnpackExitCode(); err != nil {
			return job, nil, fmt.Errorf("unpack exit code: %w", err)
		}
		procs = append(procs, st)
	}
}

// DaemonReport daemon 啟動後的自我回報
type DaemonReport struct {
	Rank    types.Rank
	Node    string
	Address string
}

// PackDaemonReport 打包 CmdDaemonReport
func PackDaemonReport(r DaemonReport) *Buffer {
	buf := NewBuffer()
	buf.PackCmd(CmdDaemonReport)
	buf.PackRank(r.Rank)
	buf.PackString(r.Node)
	buf.PackString(r.Address)
	return buf
}

// UnpackDaemonReport 在命令已讀取後解包其餘欄位
func UnpackDaemonReport(buf *Buffer) (DaemonReport, error) {
	var r DaemonReport
	var err error
	if r.Rank, err = buf.UnpackRank(); err != nil {
		return r, err
	}
	if r.Node, err = buf.UnpackString(); err != nil {
		return r, err
	}
	r.Address, err = buf.UnpackString()
	return r, err
}

// PackDirectory 打包 daemon 位址表
func PackDirectory(entries map[types.Rank]string) *Buffer {
	buf := NewBuffer()
	buf.PackCmd(CmdDirectory)
	ranks := make([]types.Rank, 0, len(entries))
	for r := range entries {
		ranks = append(ranks, r)
	}
	sort.Slice(ranks, func(i, k int) bool { return ranks[i] < ranks[k] })
	buf.PackInt32(int32(len(ranks)))
	for _, r := range ranks {
		buf.PackRank(r)
		buf.PackString(entries[r])
	}
	return buf
}

// UnpackDirectory 在命令已讀取後解包位址表
func UnpackDirectory(buf *Buffer) (map[types.Rank]string, error) {
	n, err := buf.UnpackInt32()
	if err != nil {
		return nil, err
	}
	out := make(map[types.Rank]string, n)
	for i := int32(0); i < n; i++ {
		r, err := buf.UnpackRank()
		if err != nil {
			return nil, err
		}
		addr, err := buf.UnpackString()
		if err != nil {
			return nil, err
		}
		out[r] = addr
	}
	return out, nil
}

// PackKill 打包 CmdKillLocalProcs；targets 可包含萬用名稱
func PackKill(targets []types.ProcName) *Buffer {
	buf := NewBuffer()
	buf.PackCmd(CmdKillLocalProcs)
	buf.PackInt32(int32(len(targets)))
	for _, t := range targets {
		buf.PackJobID(t.Job)
		buf.PackRank(t.Rank)
	}
	return buf
}

// UnpackKill 在命令已讀取後解包目標清單
func UnpackKill(buf *Buffer) ([]types.ProcName, error) {
	n, err := buf.UnpackInt32()
	if err != nil {
		return nil, err
	}
	out := make([]types.ProcName, 0, n)
	for i := int32(0); i < n; i++ {
		j, err := buf.UnpackJobID()
		if err != nil {
			return nil, err
		}
		r, err := buf.UnpackRank()
		if err != nil {
			return nil, err
		}
		out = append(out, types.ProcName{Job: j, Rank: r})
	}
	return out, nil
}

// PackHeartbeat 打包心跳或心跳請求
func PackHeartbeat(cmd Cmd, self types.ProcName) *Buffer {
	buf := NewBuffer()
	buf.PackCmd(cmd)
	buf.PackJobID(self.Job)
	buf.PackRank(self.Rank)
	return buf
}

// UnpackHeartbeat 在命令已讀取後解包送出者
func UnpackHeartbeat(buf *Buffer) (types.ProcName, error) {
	j, err := buf.UnpackJobID()
	if err != nil {
		return types.ProcName{}, err
	}
	r, err := buf.UnpackRank()
	if err != nil {
		return types.ProcName{}, err
	}
	return types.ProcName{Job: j, Rank: r}, nil
}

// PackLaunchResponse 打包給發起者的結果；status 0 表示成功
func PackLaunchResponse(status int, job types.JobID) *Buffer {
	buf := NewBuffer()
	buf.PackCmd(CmdLaunchResponse)
	buf.PackExitCode(status)
	buf.PackJobID(job)
	return buf
}

// UnpackLaunchResponse 在命令已讀取後解包
func UnpackLaunchResponse(buf *Buffer) (int, types.JobID, error) {
	status, err := buf.UnpackExitCode()
	if err != nil {
		return 0, types.JobIDInvalid, err
	}
	job, err := buf.UnpackJobID()
	if err != nil {
		return status, types.JobIDInvalid, err
	}
	return status, job, nil
}
