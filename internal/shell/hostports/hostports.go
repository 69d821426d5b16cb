// Package hostports finds ports that are already bound on the local machine
// and rents free ones to services.
package hostports

import (
	"log/slog"

	"github.com/prometheus/procfs"

	"github.com/artpar/testcompose/internal/core/ports"
)

// =============================================================================
// Busy Port Scanner
// =============================================================================

// Scanner reports the local ports currently in use.
type Scanner interface {
	// BusyPorts returns every used local port >= floor.
	BusyPorts(floor int) map[int]struct{}
}

// ProcScanner reads socket tables from a proc filesystem.
// Active TCP connections, TCP listeners and UDP listeners all count as busy.
type ProcScanner struct {
	fs     procfs.FS
	ok     bool
	logger *slog.Logger
}

// NewProcScanner creates a scanner over the proc filesystem mounted at mountPoint.
// An empty mountPoint means the default /proc. A missing proc filesystem is not
// an error: the scanner then reports nothing as busy.
func NewProcScanner(mountPoint string, logger *slog.Logger) *ProcScanner {
	if logger == nil {
		logger = slog.Default()
	}
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}

	s := &ProcScanner{logger: logger.With("component", "hostports")}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		s.logger.Debug("proc filesystem unavailable, port scan disabled", "mount", mountPoint, "error", err)
		return s
	}
	s.fs = fs
	s.ok = true
	return s
}

// BusyPorts implements Scanner.
func (s *ProcScanner) BusyPorts(floor int) map[int]struct{} {
	busy := make(map[int]struct{})
	if !s.ok {
		return busy
	}

	tables := []struct {
		name string
		read func() ([]uint64, error)
	}{
		{"tcp", func() ([]uint64, error) { t, err := s.fs.NetTCP(); return tcpPorts(t), err }},
		{"tcp6", func() ([]uint64, error) { t, err := s.fs.NetTCP6(); return tcpPorts(t), err }},
		{"udp", func() ([]uint64, error) { t, err := s.fs.NetUDP(); return udpPorts(t), err }},
		{"udp6", func() ([]uint64, error) { t, err := s.fs.NetUDP6(); return udpPorts(t), err }},
	}

	for _, table := range tables {
		localPorts, err := table.read()
		if err != nil {
			// tcp6/udp6 are missing when IPv6 is disabled
			s.logger.Debug("skipping socket table", "table", table.name, "error", err)
			continue
		}
		for _, p := range localPorts {
			if int(p) >= floor {
				busy[int(p)] = struct{}{}
			}
		}
	}

	return busy
}

func tcpPorts(t procfs.NetTCP) []uint64 {
	result := make([]uint64, 0, len(t))
	for _, line := range t {
		result = append(result, line.LocalPort)
	}
	return result
}

func udpPorts(t procfs.NetUDP) []uint64 {
	result := make([]uint64, 0, len(t))
	for _, line := range t {
		result = append(result, line.LocalPort)
	}
	return result
}

// =============================================================================
// Free Port Renter
// =============================================================================

// FreeRenter rents ports that are not bound on the host at the time of the call.
// The check is best effort: nothing stops another process from binding a port
// between the scan and its use.
type FreeRenter struct {
	scanner Scanner
	next    int
}

// NewFreeRenter creates a renter that starts scanning at start.
func NewFreeRenter(start uint16, scanner Scanner) *FreeRenter {
	if start == 0 {
		start = ports.DynamicPortStart
	}
	return &FreeRenter{scanner: scanner, next: int(start)}
}

// Rent implements ports.Renter. The floor moves past the highest rented port so
// consecutive services never overlap, even though every call re-scans the host.
func (r *FreeRenter) Rent(service string, count int) ([]uint16, error) {
	busy := r.scanner.BusyPorts(r.next)

	result, err := ports.FirstFree(busy, r.next, count)
	if err != nil {
		return nil, err
	}

	r.next = ports.Next(result, r.next)
	return result, nil
}
