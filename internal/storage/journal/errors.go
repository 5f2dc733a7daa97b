package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted indicates a record could not be parsed
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record failed checksum verification
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed indicates the journal is closed
	ErrClosed = errors.New("journal: already closed")
)

// CorruptionError reports where Replay stopped
type CorruptionError struct {
	Line  int    // 1-based line number of the bad record
	Seq   uint64 // sequence number of the bad record, if it parsed
	Cause error  // ErrCorrupted or ErrChecksumMismatch, possibly wrapped
}

func (e *CorruptionError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("journal: bad record at line %d (seq=%d): %v", e.Line, e.Seq, e.Cause)
	}
	return fmt.Sprintf("journal: bad record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
