// Package readiness probes TCP endpoints until they accept connections.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// RetryDelay is the pause between two connect attempts to the same endpoint.
const RetryDelay = 50 * time.Millisecond

// ErrConnectTimeout matches every ConnectTimeoutError.
var ErrConnectTimeout = errors.New("endpoint did not accept connections in time")

// Endpoint is a TCP address to probe.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ConnectTimeoutError names the endpoint that was still refusing connections
// when the deadline elapsed.
type ConnectTimeoutError struct {
	Endpoint Endpoint
	Timeout  time.Duration
	LastErr  error
}

func (e *ConnectTimeoutError) Error() string {
	msg := fmt.Sprintf("%s did not accept connections within %s", e.Endpoint, e.Timeout)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

// Is matches ErrConnectTimeout.
func (e *ConnectTimeoutError) Is(target error) bool {
	return target == ErrConnectTimeout
}

// WaitUntilListening probes all endpoints concurrently until each accepted a
// connection. One deadline covers the whole call; the first endpoint still
// failing at the deadline is reported. Cancelling ctx aborts with ctx.Err().
func WaitUntilListening(ctx context.Context, endpoints []Endpoint, timeout time.Duration) error {
	if len(endpoints) == 0 {
		return nil
	}

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(deadline)
	for _, ep := range endpoints {
		g.Go(func() error {
			return waitFor(ctx, gctx, ep, timeout)
		})
	}
	return g.Wait()
}

func waitFor(parent, ctx context.Context, ep Endpoint, timeout time.Duration) error {
	var dialer net.Dialer
	var lastErr error
	for {
		conn, err := dialer.DialContext(ctx, "tcp", ep.String())
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return parent.Err()
			}
			return &ConnectTimeoutError{Endpoint: ep, Timeout: timeout, LastErr: lastErr}
		case <-time.After(RetryDelay):
		}
	}
}

// AllListening makes one concurrent connect attempt per endpoint and reports
// whether every endpoint accepted it.
func AllListening(ctx context.Context, endpoints []Endpoint, timeout time.Duration) bool {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(deadline)
	for _, ep := range endpoints {
		g.Go(func() error {
			var dialer net.Dialer
			conn, err := dialer.DialContext(gctx, "tcp", ep.String())
			if err != nil {
				return err
			}
			return conn.Close()
		})
	}
	return g.Wait() == nil
}
