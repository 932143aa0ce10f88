package usecase

import "log"

// Regenerator runs a rebuild function on a single background worker.
// Requests coalesce: while a rebuild is running, at most one further
// rebuild stays pending, and it starts only after the current one
// completes. A request arriving while one is already pending is
// absorbed by it, the pending rebuild will observe that request's
// changes anyway since it starts later.
type Regenerator struct {
	logger   *log.Logger
	name     string
	rebuild  func() error
	requests chan struct{}
	done     chan struct{}
}

func NewRegenerator(logger *log.Logger, name string, rebuild func() error) *Regenerator {
	r := &Regenerator{
		logger:   logger,
		name:     name,
		rebuild:  rebuild,
		requests: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go r.worker()
	return r
}

func (r *Regenerator) worker() {
	defer close(r.done)
	for range r.requests {
		if err := r.rebuild(); err != nil {
			r.logger.Printf("%s regeneration failed: %v", r.name, err)
		}
	}
}

// Request asks for a rebuild and returns immediately
func (r *Regenerator) Request() {
	select {
	case r.requests <- struct{}{}:
	default:
		// a rebuild is already pending, it will cover this request
	}
}

// Stop drains the pending request, waits for the worker to exit and
// must not be called concurrently with Request.
func (r *Regenerator) Stop() {
	close(r.requests)
	<-r.done
}
