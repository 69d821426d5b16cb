package docker

import (
	"context"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Image Types
// =============================================================================

// ExposedPort is a port an image declares in its configuration.
type ExposedPort struct {
	Port     uint16
	Protocol string // "" when the declaration has no /protocol suffix
}

// ImageInfo contains the parts of an image inspection we care about.
type ImageInfo struct {
	ID           string
	Tags         []string
	ExposedPorts []ExposedPort
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	PullImage(ctx context.Context, image string, opts PullOptions) error
	ImageExists(ctx context.Context, image string) (bool, error)
	InspectImage(ctx context.Context, image string) (*ImageInfo, error)

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Port Declarations
// =============================================================================

// ParseExposedPorts converts image config keys of the form <number>[/<protocol>]
// into ports sorted by number then protocol. Ranges are expanded; keys that do
// not parse are skipped.
func ParseExposedPorts(keys map[string]struct{}) []ExposedPort {
	var result []ExposedPort
	for key := range keys {
		number, protocol, _ := strings.Cut(key, "/")
		start, end, err := nat.ParsePortRangeToInt(number)
		if err != nil || start == 0 {
			continue
		}
		for p := start; p <= end; p++ {
			result = append(result, ExposedPort{Port: uint16(p), Protocol: protocol})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Port != result[j].Port {
			return result[i].Port < result[j].Port
		}
		return result[i].Protocol < result[j].Protocol
	})
	return result
}
