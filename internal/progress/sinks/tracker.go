package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/product-extractor/internal/progress"
)

// BatchState is the lifecycle position of a batch.
type BatchState string

// Batch states.
const (
	BatchRunning BatchState = "running"
	BatchDone    BatchState = "done"
	BatchError   BatchState = "error"
)

// BatchStatus summarizes the events seen for one batch.
type BatchStatus struct {
	ID         string     `json:"id"`
	State      BatchState `json:"state"`
	Total      int        `json:"total"`
	Pages      int        `json:"pages"`
	Skipped    int        `json:"skipped"`
	Records    int        `json:"records"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

const defaultTrackerSize = 512

// Tracker keeps the most recent batch summaries in memory so the API can
// answer status queries.
type Tracker struct {
	mu      sync.Mutex
	batches *lru.Cache[string, BatchStatus]
}

// NewTracker remembers up to size batches (default 512).
func NewTracker(size int) (*Tracker, error) {
	if size <= 0 {
		size = defaultTrackerSize
	}
	cache, err := lru.New[string, BatchStatus](size)
	if err != nil {
		return nil, fmt.Errorf("create batch tracker: %w", err)
	}
	return &Tracker{batches: cache}, nil
}

// Get returns the summary for id.
func (t *Tracker) Get(id string) (BatchStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batches.Get(id)
}

// Consume folds events into the summaries.
func (t *Tracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		st, ok := t.batches.Get(evt.BatchID)
		if !ok {
			st = BatchStatus{ID: evt.BatchID, State: BatchRunning, StartedAt: evt.TS}
		}
		switch evt.Stage {
		case progress.StageBatchStart:
			st.Total = evt.Total
			st.StartedAt = evt.TS
		case progress.StagePageDone:
			st.Pages++
		case progress.StagePageSkipped:
			st.Pages++
			st.Skipped++
		case progress.StageRecord:
			st.Records++
		case progress.StageBatchDone, progress.StageBatchError:
			st.State = BatchDone
			if evt.Stage == progress.StageBatchError {
				st.State = BatchError
				st.Error = evt.Note
			}
			finished := evt.TS
			st.FinishedAt = &finished
		}
		t.batches.Add(evt.BatchID, st)
	}
	return nil
}

// Close is a no-op.
func (t *Tracker) Close(context.Context) error {
	return nil
}
