// Package teardown releases acquired resources in reverse order, once.
package teardown

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrDisposed is returned by Add once disposal has started. The release has
// already run by then.
var ErrDisposed = errors.New("teardown chain already disposed")

// Release frees one resource.
type Release func(ctx context.Context) error

// Chain collects release actions as resources are acquired and runs them in
// reverse order on Dispose. The zero value is ready to use.
type Chain struct {
	mu       sync.Mutex
	releases []Release
	started  bool
	done     chan struct{}
	err      error
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) doneLocked() chan struct{} {
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Add registers r. Once disposal has started, r runs immediately and the
// result wraps ErrDisposed together with any error r returned.
func (c *Chain) Add(r Release) error {
	c.mu.Lock()
	if !c.started {
		c.releases = append(c.releases, r)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return errors.Join(ErrDisposed, r(context.Background()))
}

// AddFunc registers a release that cannot fail.
func (c *Chain) AddFunc(fn func()) error {
	return c.Add(func(context.Context) error {
		fn()
		return nil
	})
}

// AddCloser registers closer.Close.
func (c *Chain) AddCloser(closer io.Closer) error {
	return c.Add(func(context.Context) error {
		return closer.Close()
	})
}

// Dispose runs every registered release, last registered first, exactly once.
// Concurrent callers wait for the single run; later calls return its result.
// Every release runs even when an earlier one fails; errors are joined.
func (c *Chain) Dispose(ctx context.Context) error {
	c.mu.Lock()
	done := c.doneLocked()
	if c.started {
		c.mu.Unlock()
		select {
		case <-done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.started = true
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.err = errors.Join(errs...)
	close(done)
	return c.err
}

// Disposed reports whether Dispose has finished.
func (c *Chain) Disposed() bool {
	c.mu.Lock()
	done := c.doneLocked()
	c.mu.Unlock()

	select {
	case <-done:
		return true
	default:
		return false
	}
}
