package syncengine

import "sync"

// JobQueue is a bounded worker pool draining one buffered channel of jobs.
// Within one queue, jobs run in parallel up to the pool size; separate
// queues drain concurrently.
type JobQueue struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// NewJobQueue starts workers goroutines reading off a job channel of the
// given buffer size.
func NewJobQueue(workers, buffer int) *JobQueue {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	q := &JobQueue{jobs: make(chan func(), buffer)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *JobQueue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		job()
	}
}

// Enqueue submits job, blocking if the queue's buffer is full. It reports
// false if the job was dropped because the queue has been stopped.
func (q *JobQueue) Enqueue(job func()) (accepted bool) {
	defer func() {
		if recover() != nil {
			accepted = false
		}
	}()
	q.jobs <- job
	return true
}

// TryEnqueue submits job without blocking, reporting false if the queue's
// buffer is currently full.
func (q *JobQueue) TryEnqueue(job func()) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop closes the job channel and waits for in-flight and queued jobs to
// drain.
func (q *JobQueue) Stop() {
	close(q.jobs)
	q.wg.Wait()
}
