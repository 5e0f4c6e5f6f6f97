package sensor

import (
	"context"
	"sync"
)

// ConnectResult is the asynchronous outcome of Connect.
type ConnectResult struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newConnectResult() *ConnectResult {
	return &ConnectResult{done: make(chan struct{})}
}

func resolvedResult(err error) *ConnectResult {
	r := newConnectResult()
	r.resolve(err)
	return r
}

func (r *ConnectResult) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the attempt has finished.
func (r *ConnectResult) Done() <-chan struct{} {
	return r.done
}

// Err returns nil while the attempt is pending and after success.
func (r *ConnectResult) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the attempt finishes or ctx is done.
func (r *ConnectResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
