package saga

import (
	"context"
	"sync"
)

// Future is the handle returned by asynchronous execution. Get blocks until
// the saga reaches a terminal status or the supplied context is done.
type Future struct {
	mu     sync.Mutex
	result *Result
	err    error
	done   chan struct{}
	once   sync.Once
	sagaID string
}

func newFuture(sagaID string) *Future {
	return &Future{
		sagaID: sagaID,
		done:   make(chan struct{}),
	}
}

func (f *Future) SagaID() string {
	return f.sagaID
}

// Get waits for the saga to finish. The Result is returned even when err is
// non-nil: a rolled-back saga resolves with both the terminal Result and
// ErrSagaRolledBack.
func (f *Future) Get(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Done reports completion without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) resolve(result *Result, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.result = result
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}
