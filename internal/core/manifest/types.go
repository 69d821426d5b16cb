package manifest

import "strconv"

// DockerPort publishes a container port on the host.
type DockerPort struct {
	ExposedPort uint16 // Port the container listens on
	PublicPort  uint16 // Host port it is published under
	Protocol    string // "tcp", "udp" or "" (unspecified, tcp)
}

// String returns the compose short syntax: public:exposed[/protocol].
func (p DockerPort) String() string {
	s := strconv.Itoa(int(p.PublicPort)) + ":" + strconv.Itoa(int(p.ExposedPort))
	if p.Protocol != "" {
		s += "/" + p.Protocol
	}
	return s
}

// IsTCP reports whether the port can be probed with a TCP connect.
func (p DockerPort) IsTCP() bool {
	return p.Protocol == "" || p.Protocol == "tcp"
}
