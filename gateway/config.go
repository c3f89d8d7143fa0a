package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	minPort = 1
	maxPort = 65535
)

// PortRange is an inclusive range of TCP ports to scan. Immutable after
// configuration load.
type PortRange struct {
	Start int
	End   int
}

func (r PortRange) Validate() error {
	if r.Start < minPort || r.Start > maxPort {
		return fmt.Errorf("range start %d out of bounds (%d-%d)", r.Start, minPort, maxPort)
	}
	if r.End < minPort || r.End > maxPort {
		return fmt.Errorf("range end %d out of bounds (%d-%d)", r.End, minPort, maxPort)
	}
	if r.Start > r.End {
		return fmt.Errorf("range start %d greater than end %d", r.Start, r.End)
	}
	return nil
}

// ParsePortRange parses "3000-3999" or a single port "8080".
func ParsePortRange(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)

	var r PortRange
	if start, end, found := strings.Cut(spec, "-"); found {
		var err error
		if r.Start, err = strconv.Atoi(strings.TrimSpace(start)); err != nil {
			return PortRange{}, fmt.Errorf("invalid range start %q", start)
		}
		if r.End, err = strconv.Atoi(strings.TrimSpace(end)); err != nil {
			return PortRange{}, fmt.Errorf("invalid range end %q", end)
		}
	} else {
		port, err := strconv.Atoi(spec)
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range %q", spec)
		}
		r = PortRange{Start: port, End: port}
	}

	if err := r.Validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}

// ExpandRanges flattens the configured ranges into the candidate port
// sequence. Overlapping ranges yield the same port more than once; the
// scanner tolerates the duplicates rather than deduplicating.
func ExpandRanges(ranges []PortRange) []int {
	var ports []int
	for _, r := range ranges {
		for port := r.Start; port <= r.End; port++ {
			ports = append(ports, port)
		}
	}
	return ports
}

// QuickLaunchCommand is a preconfigured command that can be started from the
// dashboard. The command line itself is never exposed over the API.
type QuickLaunchCommand struct {
	Name    string `mapstructure:"name"`
	Command string `mapstructure:"command"`
}

// Config is the gateway's static configuration, loaded once at startup.
type Config struct {
	// GatewayPort is the port the gateway's own HTTP server listens on. It
	// is always excluded from scan results.
	GatewayPort int

	PublicDomain       string
	AllowedEmailDomain string

	Ranges         []PortRange
	ScanBatchSize  int
	ProbeTimeout   time.Duration
	ResolveTimeout time.Duration

	Commands []QuickLaunchCommand
}

func (c Config) Validate() error {
	if c.GatewayPort < minPort || c.GatewayPort > maxPort {
		return fmt.Errorf("gateway port %d out of bounds", c.GatewayPort)
	}
	for _, r := range c.Ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	for i, cmd := range c.Commands {
		if cmd.Name == "" || cmd.Command == "" {
			return fmt.Errorf("quick-launch command %d is missing a name or command line", i)
		}
	}
	return nil
}
