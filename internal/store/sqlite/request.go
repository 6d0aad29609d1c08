package sqlite

import (
	"context"
	"errors"
	"sync"
)

// Request is a unit of work that settles exactly once, either with a
// result or with an error. Later settle attempts are ignored.
type Request[T any] struct {
	once   sync.Once
	done   chan struct{}
	result T
	err    error
}

// NewRequest returns a pending request.
func NewRequest[T any]() *Request[T] {
	return &Request[T]{done: make(chan struct{})}
}

// Settle completes the request. It reports whether this call settled it.
func (r *Request[T]) Settle(v T, err error) bool {
	settled := false
	r.once.Do(func() {
		if err == nil {
			r.result = v
		}
		r.err = err
		settled = true
		close(r.done)
	})
	return settled
}

// Succeed settles the request with v.
func (r *Request[T]) Succeed(v T) bool {
	return r.Settle(v, nil)
}

// Fail settles the request with err.
func (r *Request[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("request failed")
	}
	var zero T
	return r.Settle(zero, err)
}

// Done is closed once the request has settled.
func (r *Request[T]) Done() <-chan struct{} {
	return r.done
}

// AsyncRequest waits for req to settle and returns its outcome. It gives
// up early only when ctx is done; the request itself keeps running.
func AsyncRequest[T any](ctx context.Context, req *Request[T]) (T, error) {
	select {
	case <-req.done:
		return req.result, req.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
