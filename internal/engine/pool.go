package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ontask/dataengine/internal/errs"
)

// JobKind names the operation a job runs.
type JobKind string

const (
	JobMerge  JobKind = "merge"
	JobRender JobKind = "render"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobFinished  JobStatus = "finished"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed || s == JobCancelled
}

// Job is a snapshot of a background operation.
type Job struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	Kind       JobKind    `json:"kind"`
	WorkflowID int64      `json:"workflow_id"`
	Status     JobStatus  `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  errs.Kind  `json:"error_kind,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobFunc is the work of one job. It must stop promptly once ctx is done.
type JobFunc func(ctx context.Context) (any, error)

type jobEntry struct {
	job    Job
	fn     JobFunc
	cancel context.CancelFunc
}

// pool runs jobs on a fixed number of workers in submission order.
//
// Thread-safety: all methods are safe for concurrent use. Job returns
// copies, so callers never observe a job mid-update.
type pool struct {
	mu     sync.Mutex
	jobs   map[string]*jobEntry
	queue  *jobQueue
	seq    atomic.Int64
	ids    IDGenerator
	now    func() time.Time
	size   int
	log    *slog.Logger
	onDone func(Job)
	wg     sync.WaitGroup
}

func newPool(size int, ids IDGenerator, now func() time.Time, log *slog.Logger) *pool {
	if size < 1 {
		size = 1
	}
	return &pool{
		jobs:  make(map[string]*jobEntry),
		queue: newJobQueue(),
		ids:   ids,
		now:   now,
		size:  size,
		log:   log,
	}
}

// start launches the workers. They exit when ctx is done or the pool is
// closed and drained.
func (p *pool) start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	p.log.Debug("worker started", "worker", n)
	for {
		if id, ok := p.queue.TryDequeue(); ok {
			p.run(ctx, id)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case _, open := <-p.queue.Wait():
			if !open && p.queue.Len() == 0 {
				return
			}
		}
	}
}

// submit registers a job and queues it.
func (p *pool) submit(kind JobKind, workflowID int64, fn JobFunc) (Job, error) {
	e := &jobEntry{
		job: Job{
			ID:         p.ids.Generate(),
			Seq:        p.seq.Add(1),
			Kind:       kind,
			WorkflowID: workflowID,
			Status:     JobQueued,
			CreatedAt:  p.now(),
		},
		fn: fn,
	}
	p.mu.Lock()
	p.jobs[e.job.ID] = e
	p.mu.Unlock()

	if !p.queue.Enqueue(e.job.ID) {
		p.mu.Lock()
		delete(p.jobs, e.job.ID)
		p.mu.Unlock()
		return Job{}, errs.New(errs.Conflict, "job pool is closed")
	}
	p.log.Info("job queued", "job", e.job.ID, "kind", kind, "workflow", workflowID)
	return e.job, nil
}

func (p *pool) run(ctx context.Context, id string) {
	p.mu.Lock()
	e, ok := p.jobs[id]
	if !ok || e.job.Status != JobQueued {
		p.mu.Unlock()
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	started := p.now()
	e.job.Status = JobRunning
	e.job.StartedAt = &started
	fn := e.fn
	p.mu.Unlock()

	result, err := fn(jctx)
	cancel()

	p.mu.Lock()
	finished := p.now()
	e.job.FinishedAt = &finished
	e.cancel = nil
	e.fn = nil
	switch {
	case err == nil:
		e.job.Status = JobFinished
		e.job.Result = result
	case errs.Is(err, errs.Cancelled):
		e.job.Status = JobCancelled
		e.job.Result = result
		e.job.Error = err.Error()
		e.job.ErrorKind = errs.Cancelled
	default:
		e.job.Status = JobFailed
		e.job.Error = err.Error()
		e.job.ErrorKind = errs.KindOf(err)
	}
	snapshot := e.job
	p.mu.Unlock()

	p.log.Info("job done", "job", id, "kind", snapshot.Kind, "status", snapshot.Status)
	if p.onDone != nil {
		p.onDone(snapshot)
	}
}

// get returns a snapshot of a job.
func (p *pool) get(id string) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.jobs[id]
	if !ok {
		return Job{}, errs.New(errs.NotFound, "job %s not found", id)
	}
	return e.job, nil
}

// cancel stops a job. A queued job is cancelled at once; a running job has
// its context cancelled and reports cancelled when its function returns.
// Cancelling a finished job changes nothing.
func (p *pool) cancel(id string) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.jobs[id]
	if !ok {
		return Job{}, errs.New(errs.NotFound, "job %s not found", id)
	}
	switch e.job.Status {
	case JobQueued:
		now := p.now()
		e.job.Status = JobCancelled
		e.job.FinishedAt = &now
		e.job.ErrorKind = errs.Cancelled
		e.fn = nil
	case JobRunning:
		if e.cancel != nil {
			e.cancel()
		}
	}
	return e.job, nil
}

// cancelWorkflow cancels every queued or running job of a workflow.
func (p *pool) cancelWorkflow(workflowID int64) {
	p.mu.Lock()
	ids := make([]string, 0)
	for id, e := range p.jobs {
		if e.job.WorkflowID == workflowID && !e.job.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()
	for _, id := range ids {
		_, _ = p.cancel(id)
	}
}

// close stops accepting jobs, cancels the queued ones and waits for the
// running ones.
func (p *pool) close() {
	p.queue.Close()
	p.mu.Lock()
	for _, e := range p.jobs {
		if e.job.Status == JobQueued {
			now := p.now()
			e.job.Status = JobCancelled
			e.job.FinishedAt = &now
			e.job.ErrorKind = errs.Cancelled
			e.fn = nil
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}
