package journal

import "github.com/ChuLiYu/gridlaunch/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records written for every job/proc transition
// ============================================================================

// Kind journal entry kind
type Kind string

const (
	KindJob    Kind = "JOB"    // job state activation
	KindProc   Kind = "PROC"   // proc state activation
	KindMapped Kind = "MAPPED" // mapper placed a job
	KindExit   Kind = "EXIT"   // process exit status decided
)

// Entry one journal record
type Entry struct {
	Seq       uint64      `json:"seq"`             // monotonically increasing
	Kind      Kind        `json:"kind"`            // entry kind
	Job       types.JobID `json:"job"`             // job id
	Rank      types.Rank  `json:"rank"`            // RankInvalid for job entries
	State     string      `json:"state,omitempty"` // state name as activated
	ExitCode  int         `json:"exit_code"`       // proc/job exit code when known
	Timestamp int64       `json:"ts"`              // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`        // CRC32 of the fields above
}

// Handler is called for each valid entry during Replay
type Handler func(e Entry) error
