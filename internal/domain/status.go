package domain

// Status is the shared pipeline status of a river.
type Status string

const (
	StatusUnknown             Status = "UNKNOWN"
	StatusStartFailed         Status = "START_FAILED"
	StatusRunning             Status = "RUNNING"
	StatusStopped             Status = "STOPPED"
	StatusImportFailed        Status = "IMPORT_FAILED"
	StatusInitialImportFailed Status = "INITIAL_IMPORT_FAILED"
	StatusStale               Status = "RIVER_STALE"
)

// ValidStatuses returns every known status.
func ValidStatuses() []Status {
	return []Status{
		StatusUnknown, StatusStartFailed, StatusRunning, StatusStopped,
		StatusImportFailed, StatusInitialImportFailed, StatusStale,
	}
}

// IsValid checks whether the status is one of the known values.
func (s Status) IsValid() bool {
	for _, v := range ValidStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// IsFailed reports whether the status halts the pipeline.
func (s Status) IsFailed() bool {
	switch s {
	case StatusStartFailed, StatusImportFailed, StatusInitialImportFailed:
		return true
	default:
		return false
	}
}
