package render

import (
	"context"
	"sync"
)

type openJob struct {
	ctx    context.Context
	data   []byte
	result chan openResult
}

type openResult struct {
	doc Document
	err error
}

// WorkerPool runs an Opener on a fixed set of background goroutines. When no
// worker can take a job immediately, Open fails with ErrWorkerUnavailable so
// the caller can fall back to parsing inline.
type WorkerPool struct {
	opener Opener
	jobs   chan openJob

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerPool starts workers goroutines with a queue of the given depth.
// A pool with no workers rejects every job.
func NewWorkerPool(opener Opener, workers, queue int) *WorkerPool {
	if queue < 0 {
		queue = 0
	}
	p := &WorkerPool{
		opener: opener,
		jobs:   make(chan openJob, queue),
	}
	if workers <= 0 {
		p.closed = true
		return p
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		doc, err := p.opener.Open(job.ctx, job.data)
		job.result <- openResult{doc: doc, err: err}
	}
}

// Open implements Opener.
func (p *WorkerPool) Open(ctx context.Context, data []byte) (Document, error) {
	job := openJob{ctx: ctx, data: data, result: make(chan openResult, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrWorkerUnavailable
	}
	select {
	case p.jobs <- job:
	default:
		p.mu.RUnlock()
		return nil, ErrWorkerUnavailable
	}
	p.mu.RUnlock()

	select {
	case r := <-job.result:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
