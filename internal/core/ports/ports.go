// Package ports contains pure functions for handing out host ports to services.
// This is part of the Functional Core - the OS scan lives in internal/shell/hostports.
package ports

import (
	"errors"
	"fmt"
)

// DynamicPortStart is the first port handed out when no start port is configured.
const DynamicPortStart = 50560

// MaxPort is the highest valid port number.
const MaxPort = 65535

// ErrResourceExhausted is returned when not enough ports are left above the floor.
var ErrResourceExhausted = errors.New("not enough free ports")

// Renter hands out batches of distinct public ports for a service.
// Successive calls never overlap: each batch starts above the previous one.
type Renter interface {
	Rent(service string, count int) ([]uint16, error)
}

// =============================================================================
// Pure Allocation
// =============================================================================

// FirstFree returns the first count ports >= start that are not in busy.
// Pure function - takes used ports as input, returns allocated ports.
func FirstFree(busy map[int]struct{}, start, count int) ([]uint16, error) {
	if count <= 0 {
		return []uint16{}, nil
	}

	result := make([]uint16, 0, count)
	for port := start; port <= MaxPort; port++ {
		if _, used := busy[port]; used {
			continue
		}
		result = append(result, uint16(port))
		if len(result) == count {
			return result, nil
		}
	}

	return nil, fmt.Errorf("%w: wanted %d starting from %d", ErrResourceExhausted, count, start)
}

// Next returns the port after the highest port in rented, or floor when rented is empty.
func Next(rented []uint16, floor int) int {
	next := floor
	for _, p := range rented {
		if int(p)+1 > next {
			next = int(p) + 1
		}
	}
	return next
}

// =============================================================================
// Serial Renter
// =============================================================================

// SerialRenter hands out consecutive ports without looking at the host.
// Used where live scanning is unreliable (containerized CI) or reproducible ports are needed.
type SerialRenter struct {
	next int
}

// NewSerialRenter creates a renter whose first port is start.
func NewSerialRenter(start uint16) *SerialRenter {
	if start == 0 {
		start = DynamicPortStart
	}
	return &SerialRenter{next: int(start)}
}

// Rent returns the next count ports and moves the cursor past them.
func (r *SerialRenter) Rent(service string, count int) ([]uint16, error) {
	if count <= 0 {
		return []uint16{}, nil
	}
	if r.next+count-1 > MaxPort {
		return nil, fmt.Errorf("%w: service %s wanted %d starting from %d", ErrResourceExhausted, service, count, r.next)
	}

	result := make([]uint16, count)
	for i := range result {
		result[i] = uint16(r.next + i)
	}
	r.next = Next(result, r.next)

	return result, nil
}
