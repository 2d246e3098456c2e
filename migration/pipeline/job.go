// Package pipeline runs one export through ingest, extraction, reduction and synthesis.
package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/ingest"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/store"
)

// Stage names reported with progress updates.
const (
	StageDownloading   = "Downloading export"
	StageParsing       = "Parsing conversations"
	StageChunking      = "Chunking conversations"
	StageExtracting    = "Extracting facts"
	StageConsolidating = "Consolidating facts"
	StageReducing      = "Reducing facts"
	StageSynthesizing  = "Generating memory"
	StageComplete      = "Complete"
	StageFailed        = "Failed"
)

// Update is a status transition observed by a Job's callback.
type Update struct {
	JobID   string
	Status  store.Status
	Percent int
	Stage   string
	// Err is set only on the final failed update.
	Err error
}

// Job is the handle for one pipeline run.
type Job struct {
	ID     string
	Source ingest.Source
	// OnStatus, when set, receives every update in order from the coordinating goroutine.
	OnStatus func(Update)

	mu       sync.Mutex
	cancel   context.CancelFunc
	canceled bool
	done     chan struct{}
	result   *Result
	err      error
}

// NewJob returns a job with a fresh random id.
func NewJob(src ingest.Source, onStatus func(Update)) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Source:   src,
		OnStatus: onStatus,
		done:     make(chan struct{}),
	}
}

// Cancel stops the run. It is safe to call before the job starts and more than once.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.canceled = true
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the run has returned.
func (j *Job) Done() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doneChan()
}

// doneChan must be called with mu held.
func (j *Job) doneChan() chan struct{} {
	if j.done == nil {
		j.done = make(chan struct{})
	}
	return j.done
}

// Result returns the outcome after Done is closed.
func (j *Job) Result() (*Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

func (j *Job) bind(cancel context.CancelFunc) {
	j.mu.Lock()
	canceled := j.canceled
	if !canceled {
		j.cancel = cancel
	}
	j.mu.Unlock()
	if canceled {
		cancel()
	}
}

func (j *Job) finish(res *Result, err error) {
	j.mu.Lock()
	j.result, j.err = res, err
	j.cancel = nil
	close(j.doneChan())
	j.mu.Unlock()
}
