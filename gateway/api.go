package gateway

import (
	"context"

	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

// TunnelManager is the slice of the agent session manager the API consumes:
// per-port tunnel creation and the read-only view over the active mapping.
type TunnelManager interface {
	CreateTunnel(ctx context.Context, port int) (url string, existed bool, err error)
	Tunnels() map[int]string
}

// API implements the gateway's operations. It serves remote clients over
// HTTP via ConfigureWebRoutes and ConfigureProxyRoutes.
type API struct {
	Scanner    *Scanner
	Controller *Controller
	Tunnels    TunnelManager
	Proxy      *Proxy

	Log   *log.Logger
	Stats stats.Stats
}

// ListPorts runs a full scan and returns every discovered service. The
// result is produced fresh on each call and carries no ordering guarantee.
func (s API) ListPorts(ctx context.Context) []ServiceInfo {
	services := s.Scanner.Scan(ctx)
	if services == nil {
		services = []ServiceInfo{}
	}
	return services
}

type KillPortRequest struct {
	Port int
}

// KillPort terminates every process bound to the requested port.
func (s API) KillPort(ctx context.Context, req KillPortRequest) Result {
	return s.Controller.Terminate(ctx, req.Port)
}

type CommandInfo struct {
	Name string `json:"name"`
}

// ListCommands returns the quick-launch list. Command lines are
// configuration, not API surface, and are never exposed.
func (s API) ListCommands() []CommandInfo {
	commands := make([]CommandInfo, len(s.Controller.Commands))
	for i, cmd := range s.Controller.Commands {
		commands[i] = CommandInfo{Name: cmd.Name}
	}
	return commands
}

type LaunchCommandRequest struct {
	Index int
}

// LaunchCommand starts the quick-launch command at the requested index.
func (s API) LaunchCommand(req LaunchCommandRequest) Result {
	return s.Controller.Launch(req.Index)
}

type CreateTunnelRequest struct {
	Port int
}

type CreateTunnelResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// CreateTunnel creates or reuses the dedicated tunnel for a port.
func (s API) CreateTunnel(ctx context.Context, req CreateTunnelRequest) CreateTunnelResponse {
	url, existed, err := s.Tunnels.CreateTunnel(ctx, req.Port)
	if err != nil {
		return CreateTunnelResponse{Success: false, Message: err.Error()}
	}

	message := "tunnel created; note: dedicated tunnels bypass the gateway access policy"
	if existed {
		message = "tunnel already exists"
	}
	return CreateTunnelResponse{Success: true, URL: url, Message: message}
}

// ListTunnels returns the port→URL mapping of all known dedicated tunnels.
func (s API) ListTunnels() map[int]string {
	return s.Tunnels.Tunnels()
}
