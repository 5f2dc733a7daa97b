package types

import "fmt"

// ============================================================================
// 狀態空間
// ============================================================================
//
// Job 與 Proc 狀態值分成三個互不重疊的數值區段：
//   - 非終止 (live):        < UNTERMINATED
//   - 正常終止:             [UNTERMINATED, ERROR)
//   - 錯誤終止:             >= ERROR
// 任何 >= UNTERMINATED 的狀態都代表「不再執行」。
// 數值與原始 launcher 的定義一致，跨實作的報告才能互通。

// ProcState 行程狀態
type ProcState uint32

const (
	ProcStateUndef           ProcState = 0
	ProcStateInit            ProcState = 1
	ProcStateRestart         ProcState = 2
	ProcStateTerminate       ProcState = 3
	ProcStateRunning         ProcState = 4
	ProcStateRegistered      ProcState = 5
	ProcStateIOFComplete     ProcState = 6
	ProcStateWaitpidFired    ProcState = 7
	ProcStateModexReady      ProcState = 8
	ProcStateUnterminated    ProcState = 15
	ProcStateTerminated      ProcState = 20
	ProcStateError           ProcState = 50
	ProcStateKilledByCmd     ProcState = 51
	ProcStateAborted         ProcState = 52
	ProcStateFailedToStart   ProcState = 53
	ProcStateAbortedBySig    ProcState = 54
	ProcStateTermWOSync      ProcState = 55
	ProcStateCommFailed      ProcState = 56
	ProcStateSensorBound     ProcState = 57
	ProcStateCalledAbort     ProcState = 58
	ProcStateHeartbeatFailed ProcState = 59
	ProcStateMigrating       ProcState = 60
	ProcStateCannotRestart   ProcState = 61
	ProcStateTermNonZero     ProcState = 62
	ProcStateFailedToLaunch  ProcState = 63
	ProcStateUnableToSendMsg ProcState = 64
	ProcStateLifelineLost    ProcState = 65
	ProcStateNoPathToTarget  ProcState = 66
	ProcStateFailedToConnect ProcState = 67
	ProcStatePeerUnknown     ProcState = 68
	ProcStateDynamic         ProcState = 100
	ProcStateAny             ProcState = 0xffff
)

var procStateNames = map[ProcState]string{
	ProcStateUndef:           "UNDEFINED",
	ProcStateInit:            "INITIALIZED",
	ProcStateRestart:         "RESTARTING",
	ProcStateTerminate:       "TERMINATE",
	ProcStateRunning:         "RUNNING",
	ProcStateRegistered:      "SYNC REGISTERED",
	ProcStateIOFComplete:     "IOF COMPLETE",
	ProcStateWaitpidFired:    "WAITPID FIRED",
	ProcStateModexReady:      "MODEX READY",
	ProcStateUnterminated:    "UNTERMINATED",
	ProcStateTerminated:      "NORMALLY TERMINATED",
	ProcStateError:           "ARTIFICIAL BOUNDARY - ERROR",
	ProcStateKilledByCmd:     "KILLED BY INTERNAL COMMAND",
	ProcStateAborted:         "ABORTED",
	ProcStateFailedToStart:   "FAILED TO START",
	ProcStateAbortedBySig:    "ABORTED BY SIGNAL",
	ProcStateTermWOSync:      "TERMINATED WITHOUT SYNC",
	ProcStateCommFailed:      "COMMUNICATION FAILURE",
	ProcStateSensorBound:     "SENSOR BOUND EXCEEDED",
	ProcStateCalledAbort:     "CALLED ABORT",
	ProcStateHeartbeatFailed: "HEARTBEAT FAILED",
	ProcStateMigrating:       "MIGRATING",
	ProcStateCannotRestart:   "CANNOT BE RESTARTED",
	ProcStateTermNonZero:     "EXITED WITH NON-ZERO STATUS",
	ProcStateFailedToLaunch:  "FAILED TO LAUNCH",
	ProcStateUnableToSendMsg: "UNABLE TO SEND MSG",
	ProcStateLifelineLost:    "LIFELINE LOST",
	ProcStateNoPathToTarget:  "NO PATH TO TARGET",
	ProcStateFailedToConnect: "FAILED TO CONNECT",
	ProcStatePeerUnknown:     "PEER UNKNOWN",
	ProcStateDynamic:         "DYNAMIC",
	ProcStateAny:             "ANY",
}

func (s ProcState) String() string {
	if name, ok := procStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN STATE %d", uint32(s))
}

// IsLive reports whether a process in state s is still considered running.
func (s ProcState) IsLive() bool { return s < ProcStateUnterminated }

// IsTerminal reports whether s means the process is no longer running.
func (s ProcState) IsTerminal() bool { return s >= ProcStateUnterminated && s != ProcStateAny }

// IsError reports whether s lies in the terminal-error band.
func (s ProcState) IsError() bool {
	return s >= ProcStateError && s != ProcStateDynamic && s != ProcStateAny
}

// JobState 任務狀態
type JobState uint32

const (
	JobStateUndef               JobState = 0
	JobStateInit                JobState = 1
	JobStateInitComplete        JobState = 2
	JobStateAllocate            JobState = 3
	JobStateAllocationComplete  JobState = 4
	JobStateMap                 JobState = 5
	JobStateMapComplete         JobState = 6
	JobStateSystemPrep          JobState = 7
	JobStateLaunchDaemons       JobState = 8
	JobStateDaemonsLaunched     JobState = 9
	JobStateDaemonsReported     JobState = 10
	JobStateVMReady             JobState = 11
	JobStateLaunchApps          JobState = 12
	JobStateSendLaunchMsg       JobState = 13
	JobStateRunning             JobState = 14
	JobStateSuspended           JobState = 15
	JobStateRegistered          JobState = 16
	JobStateLocalLaunchComplete JobState = 18
	JobStateUnterminated        JobState = 30
	JobStateTerminated          JobState = 31
	JobStateAllJobsComplete     JobState = 32
	JobStateDaemonsTerminated   JobState = 33
	JobStateNotifyCompleted     JobState = 34
	JobStateNotified            JobState = 35
	JobStateError               JobState = 50
	JobStateKilledByCmd         JobState = 51
	JobStateAborted             JobState = 52
	JobStateFailedToStart       JobState = 53
	JobStateAbortedBySig        JobState = 54
	JobStateAbortedWOSync       JobState = 55
	JobStateCommFailed          JobState = 56
	JobStateSensorBound         JobState = 57
	JobStateCalledAbort         JobState = 58
	JobStateHeartbeatFailed     JobState = 59
	JobStateNeverLaunched       JobState = 60
	JobStateAbortOrdered        JobState = 61
	JobStateNonZeroTerm         JobState = 62
	JobStateFailedToLaunch      JobState = 63
	JobStateForcedExit          JobState = 64
	JobStateSilentAbort         JobState = 66
	JobStateReportProgress      JobState = 67
	JobStateAllocFailed         JobState = 68
	JobStateMapFailed           JobState = 69
	JobStateCannotLaunch        JobState = 70
	JobStateDynamic             JobState = 100
	JobStateAny                 JobState = 0xffff
)

var jobStateNames = map[JobState]string{
	JobStateUndef:               "UNDEFINED",
	JobStateInit:                "PENDING INIT",
	JobStateInitComplete:        "INIT_COMPLETE",
	JobStateAllocate:            "PENDING ALLOCATION",
	JobStateAllocationComplete:  "ALLOCATION COMPLETE",
	JobStateMap:                 "PENDING MAPPING",
	JobStateMapComplete:         "MAP COMPLETE",
	JobStateSystemPrep:          "PENDING FINAL SYSTEM PREP",
	JobStateLaunchDaemons:       "PENDING DAEMON LAUNCH",
	JobStateDaemonsLaunched:     "DAEMONS LAUNCHED",
	JobStateDaemonsReported:     "ALL DAEMONS REPORTED",
	JobStateVMReady:             "VM READY",
	JobStateLaunchApps:          "PENDING APP LAUNCH",
	JobStateSendLaunchMsg:       "SENDING LAUNCH MSG",
	JobStateRunning:             "RUNNING",
	JobStateSuspended:           "SUSPENDED",
	JobStateRegistered:          "SYNC REGISTERED",
	JobStateLocalLaunchComplete: "LOCAL LAUNCH COMPLETE",
	JobStateUnterminated:        "UNTERMINATED",
	JobStateTerminated:          "NORMALLY TERMINATED",
	JobStateAllJobsComplete:     "ALL JOBS COMPLETE",
	JobStateDaemonsTerminated:   "DAEMONS TERMINATED",
	JobStateNotifyCompleted:     "NOTIFY COMPLETED",
	JobStateNotified:            "NOTIFIED",
	JobStateError:               "ARTIFICIAL BOUNDARY - ERROR",
	JobStateKilledByCmd:         "KILLED BY INTERNAL COMMAND",
	JobStateAborted:             "ABORTED",
	JobStateFailedToStart:       "FAILED TO START",
	JobStateAbortedBySig:        "ABORTED BY SIGNAL",
	JobStateAbortedWOSync:       "TERMINATED WITHOUT SYNC",
	JobStateCommFailed:          "COMMUNICATION FAILURE",
	JobStateSensorBound:         "SENSOR BOUND EXCEEDED",
	JobStateCalledAbort:         "PROC CALLED ABORT",
	JobStateHeartbeatFailed:     "HEARTBEAT FAILED",
	JobStateNeverLaunched:       "NEVER LAUNCHED",
	JobStateAbortOrdered:        "ABORT IN PROGRESS",
	JobStateNonZeroTerm:         "PROC EXITED WITH NON-ZERO STATUS",
	JobStateFailedToLaunch:      "FAILED TO LAUNCH",
	JobStateForcedExit:          "FORCED EXIT",
	JobStateSilentAbort:         "ERROR REPORTED ELSEWHERE",
	JobStateReportProgress:      "REPORT PROGRESS",
	JobStateAllocFailed:         "ALLOCATION FAILED",
	JobStateMapFailed:           "MAP FAILED",
	JobStateCannotLaunch:        "CANNOT LAUNCH",
	JobStateDynamic:             "DYNAMIC",
	JobStateAny:                 "ANY",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN STATE %d", uint32(s))
}

// IsLive reports whether a job in state s is still running.
func (s JobState) IsLive() bool { return s < JobStateUnterminated }

// IsTerminal reports whether s means the job is no longer running.
func (s JobState) IsTerminal() bool { return s >= JobStateUnterminated && s != JobStateAny }

// IsError reports whether s lies in the terminal-error band.
func (s JobState) IsError() bool {
	return s >= JobStateError && s != JobStateDynamic && s != JobStateAny
}

// IsLaunchFailure 啟動階段的錯誤：這些狀態下不會再有行程回報終止
func (s JobState) IsLaunchFailure() bool {
	switch s {
	case JobStateFailedToStart, JobStateNeverLaunched, JobStateFailedToLaunch,
		JobStateAllocFailed, JobStateMapFailed, JobStateCannotLaunch:
		return true
	}
	return false
}

// NodeState 節點狀態
type NodeState uint8

const (
	NodeStateUndef       NodeState = iota // 未定義
	NodeStateUnknown                      // 狀態未知
	NodeStateDown                         // 節點不可達
	NodeStateUp                           // 節點可用
	NodeStateReboot                       // 重新開機中
	NodeStateDoNotUse                     // 管理員排除
	NodeStateNotIncluded                  // 不在本次分配內
	NodeStateAdded                        // 動態加入
)

var nodeStateNames = [...]string{"UNDEF", "UNKNOWN", "DOWN", "UP", "REBOOT", "DO_NOT_USE", "NOT_INCLUDED", "ADDED"}

func (s NodeState) String() string {
	if int(s) < len(nodeStateNames) {
		return nodeStateNames[s]
	}
	return fmt.Sprintf("NODE_STATE_%d", uint8(s))
}

// ParseNodeState 解析設定檔中的節點狀態字串，空字串視為 UP
func ParseNodeState(s string) (NodeState, error) {
	if s == "" {
		return NodeStateUp, nil
	}
	for i, name := range nodeStateNames {
		if name == s {
			return NodeState(i), nil
		}
	}
	return NodeStateUndef, fmt.Errorf("unknown node state %q", s)
}
