package mesh

import (
	"context"
	"fmt"
	"sync"
)

// ReadinessState is the lifecycle of an asynchronously initialized component
type ReadinessState int

const (
	NotReady ReadinessState = iota
	Ready
	Failed
)

func (s ReadinessState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "not ready"
	}
}

// Readiness lets callers wait for a component to become ready instead of
// polling. The first transition out of NotReady wins; later ones are ignored.
type Readiness struct {
	mu    sync.Mutex
	state ReadinessState
	err   error
	done  chan struct{}
}

// NewReadiness creates a Readiness in the NotReady state
func NewReadiness() *Readiness {
	return &Readiness{done: make(chan struct{})}
}

// MarkReady moves NotReady to Ready
func (r *Readiness) MarkReady() {
	r.settle(Ready, nil)
}

// MarkFailed moves NotReady to Failed with err
func (r *Readiness) MarkFailed(err error) {
	if err == nil {
		err = fmt.Errorf("failed without cause")
	}
	r.settle(Failed, err)
}

func (r *Readiness) settle(state ReadinessState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != NotReady {
		return
	}
	r.state = state
	r.err = err
	close(r.done)
}

// State returns the current state
func (r *Readiness) State() ReadinessState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the failure cause, or nil
func (r *Readiness) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed once the state leaves NotReady
func (r *Readiness) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the component is Ready or Failed, or ctx is done
func (r *Readiness) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
