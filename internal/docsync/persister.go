package docsync

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

type persistJob struct {
	roomID          string
	code            string
	expectedVersion int
}

// persister writes accepted patches to the store in the order they were
// accepted. It never blocks the caller: a full queue drops the write and the
// auto-save cycle catches up later.
type persister struct {
	store        Store
	jobs         chan persistJob
	writeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func newPersister(store Store, queueSize int) *persister {
	return &persister{
		store:        store,
		jobs:         make(chan persistJob, queueSize),
		writeTimeout: defaultWriteTimeout,
	}
}

func (p *persister) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.wg.Add(1)
	go p.run()
}

func (p *persister) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.write(job)
	}
}

func (p *persister) write(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	ok, err := p.store.UpdateCode(ctx, job.roomID, job.code, job.expectedVersion)
	if err != nil {
		log.Printf("Failed to persist room %s at version %d: %v", job.roomID, job.expectedVersion+1, err)
		return
	}
	if !ok {
		log.Printf("WARN: room %s not persisted, stored version is not %d", job.roomID, job.expectedVersion)
	}
}

func (p *persister) enqueue(job persistJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		log.Printf("WARN: persistence stopped, dropping write for room %s", job.roomID)
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		log.Printf("WARN: persistence queue full, dropping write for room %s", job.roomID)
		return false
	}
}

// close drains queued writes. Safe to call more than once.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if started {
		p.wg.Wait()
		log.Println("Persistence worker drained")
	}
}
