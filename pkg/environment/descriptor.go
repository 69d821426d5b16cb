// Package environment provisions a compose-defined test environment once per
// process and hands test code a discovery table for reaching its services.
package environment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/testcompose/internal/core/ports"
	"github.com/artpar/testcompose/pkg/discovery"
)

// =============================================================================
// Hooks
// =============================================================================

// EnvironmentHook returns the environment a service should start with. It
// receives the variables already declared in the manifest and the discovery
// table, so values can point at sibling services.
type EnvironmentHook func(ctx context.Context, service string, existing map[string]string, d *discovery.Discovery) (map[string]string, error)

// ReadyHook runs once the services are up, for readiness checks ports alone
// cannot express.
type ReadyHook func(ctx context.Context, d *discovery.Discovery) error

// RunningHook reports whether an already listening environment is the one
// this descriptor describes. It is consulted only with ReuseExisting.
type RunningHook func(ctx context.Context, d *discovery.Discovery) (bool, error)

// Port strategies.
const (
	PortStrategyFree   = "free"
	PortStrategySerial = "serial"
)

// =============================================================================
// Descriptor
// =============================================================================

// Descriptor configures an Environment. The zero value of every optional
// field selects the default behaviour.
type Descriptor struct {
	// ManifestFile is the compose file. A bare name is looked up in the working
	// directory and then in each parent directory.
	ManifestFile string `mapstructure:"manifest_file"`

	// ProjectName defaults to the sanitised name of the working directory.
	ProjectName string `mapstructure:"project_name"`

	// Ports lists, per service, the container ports tests connect to.
	Ports map[string][]int `mapstructure:"ports"`

	StartTimeout  time.Duration `mapstructure:"start_timeout"`  // up markers and port wait, default 40s
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`   // down, default 20s
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"` // launching down and pull, default 10s
	PullTimeout   time.Duration `mapstructure:"pull_timeout"`   // default 5m

	KeepOnComplete    bool     `mapstructure:"keep_on_complete"`    // leave the environment running at teardown
	KeepBuildServices bool     `mapstructure:"keep_build_services"` // keep services without an image
	ExcludeServices   []string `mapstructure:"exclude_services"`
	StartedMarkers    []string `mapstructure:"started_markers"`

	SkipPortWait   bool             `mapstructure:"skip_port_wait"`
	IgnorePortWait map[string][]int `mapstructure:"ignore_port_wait"`

	Build          bool     `mapstructure:"build"`
	ComposeCommand []string `mapstructure:"compose_command"` // default docker compose
	DockerHost     string   `mapstructure:"docker_host"`

	// UnderComposeVariable names the variable set when tests themselves run
	// inside the compose project. Default UNDER_COMPOSE.
	UnderComposeVariable string `mapstructure:"under_compose_variable"`

	// ExternalHost points at an environment someone else manages.
	ExternalHost string `mapstructure:"external_host"`

	// ReuseExisting skips provisioning when the environment is already
	// listening on its ports. Ports are allocated serially so they are stable
	// across runs.
	ReuseExisting bool `mapstructure:"reuse_existing"`

	PortStrategy string `mapstructure:"port_strategy"` // free (default) or serial
	PortStart    int    `mapstructure:"port_start"`    // default 50560

	EnvironmentHook EnvironmentHook `mapstructure:"-"`
	ReadyHook       ReadyHook       `mapstructure:"-"`
	RunningHook     RunningHook     `mapstructure:"-"`
}

// Default values.
const (
	DefaultStartTimeout         = 40 * time.Second
	DefaultStopTimeout          = 20 * time.Second
	DefaultLaunchTimeout        = 10 * time.Second
	DefaultPullTimeout          = 5 * time.Minute
	DefaultUnderComposeVariable = "UNDER_COMPOSE"
)

// DefaultComposeCommand is the orchestration tool invoked when none is set.
var DefaultComposeCommand = []string{"docker", "compose"}

// ErrInvalidDescriptor matches every descriptor validation failure.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

func (d Descriptor) withDefaults() Descriptor {
	if d.StartTimeout == 0 {
		d.StartTimeout = DefaultStartTimeout
	}
	if d.StopTimeout == 0 {
		d.StopTimeout = DefaultStopTimeout
	}
	if d.LaunchTimeout == 0 {
		d.LaunchTimeout = DefaultLaunchTimeout
	}
	if d.PullTimeout == 0 {
		d.PullTimeout = DefaultPullTimeout
	}
	if len(d.ComposeCommand) == 0 {
		d.ComposeCommand = DefaultComposeCommand
	}
	if d.UnderComposeVariable == "" {
		d.UnderComposeVariable = DefaultUnderComposeVariable
	}
	if d.PortStrategy == "" {
		d.PortStrategy = PortStrategyFree
	}
	if d.PortStart == 0 {
		d.PortStart = ports.DynamicPortStart
	}
	return d
}

// Validate checks the descriptor for values that cannot work.
func (d Descriptor) Validate() error {
	var problems []string

	for name, timeout := range map[string]time.Duration{
		"start_timeout":  d.StartTimeout,
		"stop_timeout":   d.StopTimeout,
		"launch_timeout": d.LaunchTimeout,
		"pull_timeout":   d.PullTimeout,
	} {
		if timeout < 0 {
			problems = append(problems, name+" must not be negative")
		}
	}

	switch d.PortStrategy {
	case "", PortStrategyFree, PortStrategySerial:
	default:
		problems = append(problems, fmt.Sprintf("port_strategy %q is not one of free, serial", d.PortStrategy))
	}

	if d.PortStart < 0 || d.PortStart > ports.MaxPort {
		problems = append(problems, fmt.Sprintf("port_start %d is out of range", d.PortStart))
	}

	for service, list := range d.Ports {
		if service == "" {
			problems = append(problems, "ports has an empty service name")
		}
		for _, p := range list {
			if p <= 0 || p > ports.MaxPort {
				problems = append(problems, fmt.Sprintf("ports.%s: %d is out of range", service, p))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDescriptor, strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// Descriptor Loading
// =============================================================================

// LoadDescriptor reads a descriptor from a YAML, JSON or TOML file, with
// TESTCOMPOSE_* environment variables taking precedence over scalar fields.
// An empty path reads the environment only. Hooks are never loaded.
//
// Viper lower-cases map keys, so service names under ports must be lower case.
func LoadDescriptor(path string) (*Descriptor, error) {
	v := viper.New()

	v.SetDefault("manifest_file", "docker-compose.yml")
	v.SetDefault("project_name", "")
	v.SetDefault("start_timeout", DefaultStartTimeout.String())
	v.SetDefault("stop_timeout", DefaultStopTimeout.String())
	v.SetDefault("launch_timeout", DefaultLaunchTimeout.String())
	v.SetDefault("pull_timeout", DefaultPullTimeout.String())
	v.SetDefault("keep_on_complete", false)
	v.SetDefault("keep_build_services", false)
	v.SetDefault("skip_port_wait", false)
	v.SetDefault("build", false)
	v.SetDefault("compose_command", []string{}) // comma separated in the environment
	v.SetDefault("exclude_services", []string{})
	v.SetDefault("started_markers", []string{})
	v.SetDefault("docker_host", "")
	v.SetDefault("under_compose_variable", DefaultUnderComposeVariable)
	v.SetDefault("external_host", "")
	v.SetDefault("reuse_existing", false)
	v.SetDefault("port_strategy", PortStrategyFree)
	v.SetDefault("port_start", ports.DynamicPortStart)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read descriptor %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("TESTCOMPOSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var desc Descriptor
	if err := v.Unmarshal(&desc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}
