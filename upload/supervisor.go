package upload

import (
	"context"

	"github.com/bitrise-io/go-artifactupload/artifact"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// UpdatesBuffer is the buffer of the progress receiver every task is created with.
const UpdatesBuffer = 16

// Task is one artifact upload running in the background.
type Task struct {
	ID       uuid.UUID
	Artifact artifact.Artifact

	progress *ProgressBroadcaster
	updates  <-chan artifact.UploadProgress
	cancel   *CancelSignal
	done     chan struct{}

	result Result
	err    error
}

// Updates receives every progress update of the task from its start, including the final one
// of a completed upload. Keeps the UpdatesBuffer most recent updates when not drained.
// The channel is closed when the task ends.
func (t *Task) Updates() <-chan artifact.UploadProgress {
	return t.updates
}

// Progress adds a subscriber for the progress updates published from now on. A slow subscriber loses its oldest
// updates instead of slowing down the transfer. The channel is closed when the task ends;
// call the returned function to unsubscribe earlier.
func (t *Task) Progress(buffer int) (<-chan artifact.UploadProgress, func()) {
	return t.progress.Subscribe(buffer)
}

// Cancel asks the task to stop at the next chunk boundary. The in-flight chunk is finished.
func (t *Task) Cancel() {
	t.cancel.Cancel()
}

// Done is closed when the task ended.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task ends or ctx is done.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{Artifact: t.Artifact}, ctx.Err()
	}
}

// TaskResult ...
type TaskResult struct {
	ID     uuid.UUID
	Result Result
	Err    error
}

// Supervisor runs uploads in the background with bounded concurrency.
type Supervisor struct {
	controller *Controller
	slots      chan struct{}
	tracker    uploadTracker
	logger     log.Logger
}

// NewSupervisor ...
// tracker is optional.
func NewSupervisor(controller *Controller, concurrency int, tracker analytics.Tracker, logger log.Logger) *Supervisor {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Supervisor{
		controller: controller,
		slots:      make(chan struct{}, concurrency),
		tracker:    newUploadTracker(tracker),
		logger:     logger,
	}
}

// Submit starts uploading the artifact and returns immediately.
// Cancelling ctx aborts the upload, including the in-flight chunk.
func (s *Supervisor) Submit(ctx context.Context, art artifact.Artifact, scope Scope) *Task {
	task := &Task{
		ID:       uuid.New(),
		Artifact: art,
		progress: NewProgressBroadcaster(),
		cancel:   NewCancelSignal(),
		done:     make(chan struct{}),
	}
	task.updates, _ = task.progress.Subscribe(UpdatesBuffer)

	go s.run(ctx, task, scope)

	return task
}

func (s *Supervisor) run(ctx context.Context, task *Task, scope Scope) {
	defer close(task.done)
	defer task.progress.Close()

	select {
	case s.slots <- struct{}{}:
	case <-task.cancel.Done():
		s.logger.Debugf("Task %s cancelled before start", task.ID)
		task.result = Result{Artifact: task.Artifact, Cancelled: true}
		return
	case <-ctx.Done():
		task.result = Result{Artifact: task.Artifact}
		task.err = &Error{FilePath: task.Artifact.FilePath, Err: ctx.Err()}
		return
	}
	defer func() { <-s.slots }()

	s.logger.Debugf("Task %s started: %s", task.ID, task.Artifact.FilePath)

	task.result, task.err = s.controller.Run(ctx, task.Artifact, scope, RunOptions{
		Progress: task.progress,
		Cancel:   task.cancel.Done(),
	})

	s.tracker.logFinished(task.result, task.err)

	if task.err != nil {
		s.logger.Debugf("Task %s failed: %s", task.ID, task.err)
	} else {
		s.logger.Debugf("Task %s finished (cancelled=%t)", task.ID, task.result.Cancelled)
	}
}

// UploadAll uploads the artifacts of one tenant and waits for every upload to end.
// No more artifacts are submitted at a time than the supervisor runs concurrently.
// A failed artifact does not stop the others; the first failure is returned next to
// the results, which are in the order of arts.
func (s *Supervisor) UploadAll(ctx context.Context, tenantID int64, arts []artifact.Artifact) ([]TaskResult, error) {
	results := make([]TaskResult, len(arts))

	var g errgroup.Group
	g.SetLimit(cap(s.slots))
	for i, art := range arts {
		i, art := i, art
		g.Go(func() error {
			task := s.Submit(ctx, art, ScopeFor(tenantID, art))
			<-task.Done()
			results[i] = TaskResult{ID: task.ID, Result: task.result, Err: task.err}
			return task.err
		})
	}

	return results, g.Wait()
}

// Wait blocks until queued analytics events are sent.
func (s *Supervisor) Wait() {
	s.tracker.wait()
}
