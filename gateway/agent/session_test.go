package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

// fakeAgent imitates the agent's control API: it serves the current tunnel
// list and records creations.
type fakeAgent struct {
	mu          sync.Mutex
	tunnels     []Tunnel
	createCalls int
	failCreate  bool
}

func (a *fakeAgent) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string][]Tunnel{"tunnels": a.tunnels})

		case http.MethodPost:
			a.createCalls++
			if a.failCreate {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(apiError{Msg: "tunnel session failed", ErrorCode: 103})
				return
			}

			var req CreateTunnelRequest
			json.NewDecoder(r.Body).Decode(&req)
			created := Tunnel{
				Name:      req.Name,
				PublicURL: fmt.Sprintf("https://%s.example.dev", req.Name),
				Proto:     "https",
				Config:    TunnelConfig{Addr: req.Addr},
			}
			// Agents commonly expose an unencrypted twin of each tunnel.
			a.tunnels = append(a.tunnels, created, Tunnel{
				Name:      req.Name,
				PublicURL: fmt.Sprintf("http://%s.example.dev", req.Name),
				Proto:     "http",
				Config:    TunnelConfig{Addr: req.Addr},
			})
			json.NewEncoder(w).Encode(created)
		}
	})
}

func (a *fakeAgent) creates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createCalls
}

type sessionCalls struct {
	starts int
	kills  int
}

func newTestManager(t *testing.T, agent *fakeAgent, opts Options) (*Manager, *sessionCalls) {
	t.Helper()

	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	if opts.Executable == "" {
		opts.Executable = "ngrok"
	}
	if opts.PolicyPath == "" {
		opts.PolicyPath = filepath.Join(t.TempDir(), "policy.yml")
	}
	opts.SettleInterval = 10 * time.Millisecond

	manager := NewManager(opts, &Client{BaseURL: server.URL}, log.Get(), stats.Noop())

	calls := &sessionCalls{}
	manager.lookPath = func(string) (string, error) { return "/usr/bin/ngrok", nil }
	manager.startSession = func(context.Context) error { calls.starts++; return nil }
	manager.killSessions = func(context.Context) error { calls.kills++; return nil }
	return manager, calls
}

func Test_Manager_Reconcile_ReusesMatchingSession(t *testing.T) {
	agent := &fakeAgent{tunnels: []Tunnel{{
		Name:      "main",
		PublicURL: "https://dash.corp.example.dev",
		Proto:     "https",
		Config:    TunnelConfig{Addr: "http://localhost:8080"},
	}}}

	manager, calls := newTestManager(t, agent, Options{
		GatewayPort:  8080,
		PublicDomain: "dash.corp.example.dev",
	})

	require.NoError(t, manager.Reconcile(context.Background()))
	assert.True(t, manager.Online())
	assert.Zero(t, calls.starts)
	assert.Zero(t, calls.kills)
}

func Test_Manager_Reconcile_ReplacesMisconfiguredSession(t *testing.T) {
	agent := &fakeAgent{tunnels: []Tunnel{{
		Name:      "stale",
		PublicURL: "https://other.example.dev",
		Proto:     "https",
		Config:    TunnelConfig{Addr: "http://localhost:9999"},
	}}}

	policyPath := filepath.Join(t.TempDir(), "policy.yml")
	manager, calls := newTestManager(t, agent, Options{
		GatewayPort:        8080,
		PublicDomain:       "dash.corp.example.dev",
		AllowedEmailDomain: "corp.example.com",
		PolicyPath:         policyPath,
	})

	require.NoError(t, manager.Reconcile(context.Background()))
	assert.True(t, manager.Online())
	assert.Equal(t, 1, calls.kills)
	assert.Equal(t, 1, calls.starts)

	// The policy artifact must exist before the new session starts.
	contents, err := os.ReadFile(policyPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "corp.example.com")
}

func Test_Manager_Reconcile_StartsFreshSession(t *testing.T) {
	manager, calls := newTestManager(t, &fakeAgent{}, Options{
		GatewayPort:        8080,
		PublicDomain:       "dash.corp.example.dev",
		AllowedEmailDomain: "corp.example.com",
	})

	require.NoError(t, manager.Reconcile(context.Background()))
	assert.True(t, manager.Online())
	assert.Equal(t, 1, calls.starts)
	assert.Zero(t, calls.kills)
}

func Test_Manager_Reconcile_MissingExecutable(t *testing.T) {
	manager, calls := newTestManager(t, &fakeAgent{}, Options{GatewayPort: 8080})
	manager.lookPath = func(string) (string, error) {
		return "", errors.New("not found in $PATH")
	}

	err := manager.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentMissing))
	assert.False(t, manager.Online())
	assert.Zero(t, calls.starts)
}

func Test_Manager_Reconcile_StartupFailure(t *testing.T) {
	manager, _ := newTestManager(t, &fakeAgent{}, Options{GatewayPort: 8080})
	manager.startSession = func(context.Context) error {
		return errors.New("agent reported startup failure: authentication failed")
	}

	err := manager.Reconcile(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAgentMissing))
	assert.False(t, manager.Online())

	// The failure must be visible to the healthcheck until a later success.
	assert.Error(t, manager.Check(context.Background()))
}

func Test_Manager_CreateTunnel(t *testing.T) {
	agent := &fakeAgent{}
	manager, _ := newTestManager(t, agent, Options{GatewayPort: 8080})

	url, existed, err := manager.CreateTunnel(context.Background(), 3000)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, "https://port-3000.example.dev", url)

	// Second call must reuse the recorded tunnel without touching the agent.
	again, existed, err := manager.CreateTunnel(context.Background(), 3000)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, url, again)
	assert.Equal(t, 1, agent.creates())

	assert.Equal(t, map[int]string{3000: url}, manager.Tunnels())
}

func Test_Manager_CreateTunnel_AdoptsExisting(t *testing.T) {
	agent := &fakeAgent{tunnels: []Tunnel{{
		Name:      "port-3000",
		PublicURL: "https://port-3000.example.dev",
		Proto:     "https",
		Config:    TunnelConfig{Addr: "localhost:3000"},
	}}}
	manager, _ := newTestManager(t, agent, Options{GatewayPort: 8080})

	url, existed, err := manager.CreateTunnel(context.Background(), 3000)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "https://port-3000.example.dev", url)
	assert.Zero(t, agent.creates())
}

func Test_Manager_CreateTunnel_AgentError(t *testing.T) {
	agent := &fakeAgent{failCreate: true}
	manager, _ := newTestManager(t, agent, Options{GatewayPort: 8080})

	_, _, err := manager.CreateTunnel(context.Background(), 3000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tunnel session failed")
	assert.Empty(t, manager.Tunnels())
}

func Test_sessionProcessName(t *testing.T) {
	// pkill -x matches the process name, so an absolute executable path
	// must be reduced to its base name.
	assert.Equal(t, "ngrok", sessionProcessName("/usr/local/bin/ngrok"))
	assert.Equal(t, "ngrok", sessionProcessName("ngrok"))
}

func Test_preferSecure(t *testing.T) {
	assert.Equal(t, "https://a.example.dev",
		preferSecure([]string{"http://a.example.dev", "https://a.example.dev"}, ""))
	assert.Equal(t, "http://a.example.dev",
		preferSecure([]string{"http://a.example.dev"}, ""))
	assert.Equal(t, "fallback", preferSecure(nil, "fallback"))
}
