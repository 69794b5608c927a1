package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a batch milestone.
type Stage string

// Batch stages.
const (
	StageBatchStart  Stage = "BATCH_START"
	StagePageDone    Stage = "PAGE_DONE"
	StagePageSkipped Stage = "PAGE_SKIPPED"
	StageRecord      Stage = "RECORD"
	StageBatchDone   Stage = "BATCH_DONE"
	StageBatchError  Stage = "BATCH_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes reported on page events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress report for a batch. Total is the number of URLs on
// BATCH_START and the number of accepted records on BATCH_DONE. Note carries
// low-volume context such as an error message.
type Event struct {
	BatchID     string        `json:"batch_id"`
	TS          time.Time     `json:"ts"`
	Stage       Stage         `json:"stage"`
	Site        string        `json:"site,omitempty"`
	URL         string        `json:"url,omitempty"`
	Strategy    string        `json:"strategy,omitempty"`
	StatusClass StatusClass   `json:"status_class,omitempty"`
	Total       int           `json:"total,omitempty"`
	Dur         time.Duration `json:"dur,omitempty"`
	Note        string        `json:"note,omitempty"`
}

// Validate rejects events that sinks cannot attribute.
func (e Event) Validate() error {
	if e.BatchID == "" {
		return errors.New("batch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone, StageBatchError:
	case StagePageDone, StagePageSkipped, StageRecord:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
