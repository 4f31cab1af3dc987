package canonical

// Status is the processing state of a record
type Status string

const (
	StatusUnknown   Status = ""
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether s is a finished, non-reversible outcome
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}
