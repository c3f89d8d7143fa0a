package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

// ErrAgentMissing marks the one fatal reconciliation outcome: the agent
// executable is entirely absent, so the gateway must not start up
// pretending it can tunnel.
var ErrAgentMissing = errors.New("tunneling agent executable not found")

const (
	defaultSettleInterval = 2 * time.Second
	defaultStartGrace     = 5 * time.Second
	listRetryInterval     = 500 * time.Millisecond
	listRetryAttempts     = 4
)

type Options struct {
	// Executable is the agent binary, looked up on PATH.
	Executable string

	// ControlURL is the agent's local control API root.
	ControlURL string

	// GatewayPort is the local port the main agent session must forward to.
	GatewayPort int

	// PublicDomain is the hostname the main session must be reachable at.
	PublicDomain string

	// AllowedEmailDomain is the email-domain suffix admitted by the
	// generated access policy.
	AllowedEmailDomain string

	// PolicyPath is where the policy artifact is written before spawn.
	PolicyPath string

	// SettleInterval is how long to wait after terminating mismatched
	// sessions before starting a fresh one.
	SettleInterval time.Duration

	// StartGrace is how long a freshly spawned agent must survive, without
	// a recognized failure marker in its output, to count as started.
	StartGrace time.Duration
}

func (o Options) settleInterval() time.Duration {
	if o.SettleInterval > 0 {
		return o.SettleInterval
	}
	return defaultSettleInterval
}

func (o Options) startGrace() time.Duration {
	if o.StartGrace > 0 {
		return o.StartGrace
	}
	return defaultStartGrace
}

// Manager owns the gateway's tunnel state: the main agent session and the
// per-port dedicated tunnels. The port→URL mapping is single-writer; other
// components only ever see copies.
type Manager struct {
	opts   Options
	client *Client
	log    *log.Logger
	stats  stats.Stats

	mu      sync.Mutex
	tunnels map[int]string
	online  bool
	lastErr error

	// Injection points for the process-level effects, so reconciliation
	// scenarios are testable without spawning agents.
	lookPath     func(file string) (string, error)
	startSession func(ctx context.Context) error
	killSessions func(ctx context.Context) error
}

func NewManager(opts Options, client *Client, logger *log.Logger, st stats.Stats) *Manager {
	m := &Manager{
		opts:    opts,
		client:  client,
		log:     logger,
		stats:   st,
		tunnels: make(map[int]string),
	}
	m.lookPath = exec.LookPath
	m.startSession = m.execSession
	m.killSessions = m.execKillSessions
	return m
}

// Reconcile aligns gateway startup with whatever the agent is already
// doing: reuse a correctly-configured session, replace a misconfigured one,
// or start fresh. Only a missing executable is fatal (ErrAgentMissing); any
// other failure is returned for reporting and leaves the gateway running
// tunnel-less.
func (m *Manager) Reconcile(ctx context.Context) error {
	if _, err := m.lookPath(m.opts.Executable); err != nil {
		return errors.Wrapf(ErrAgentMissing, "%q", m.opts.Executable)
	}

	tunnels, listErr := m.listWithRetry(ctx)
	if listErr == nil {
		if existing := m.matchSession(tunnels); existing != nil {
			m.log.Infow("Reusing existing agent session",
				"public_url", existing.PublicURL,
				"forwards_to", existing.Config.Addr,
			)
			m.setOnline()
			m.stats.Incr("agent.session_reused", nil, 1)
			return nil
		}

		if len(tunnels) > 0 {
			// A session exists but forwards elsewhere or serves the wrong
			// domain. Replace it.
			m.log.Infow("Terminating misconfigured agent sessions", "count", len(tunnels))
			m.killSessions(ctx)
			select {
			case <-time.After(m.opts.settleInterval()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := WritePolicy(m.opts.PolicyPath, m.opts.AllowedEmailDomain); err != nil {
		return m.startupFailed(err)
	}

	m.log.Infow("Starting agent session",
		"executable", m.opts.Executable,
		"port", m.opts.GatewayPort,
		"domain", m.opts.PublicDomain,
	)
	if err := m.startSession(ctx); err != nil {
		return m.startupFailed(err)
	}

	m.setOnline()
	m.stats.Incr("agent.session_started", nil, 1)
	return nil
}

func (m *Manager) startupFailed(err error) error {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.stats.ErrorEvent("agent_session_error", err)
	return errors.Wrap(err, "agent session startup")
}

// matchSession returns a tunnel that already forwards to the gateway's own
// port and serves the configured public domain, or nil.
func (m *Manager) matchSession(tunnels []Tunnel) *Tunnel {
	for i, t := range tunnels {
		if t.LocalPort() != m.opts.GatewayPort {
			continue
		}
		if m.opts.PublicDomain != "" && !strings.Contains(t.PublicURL, m.opts.PublicDomain) {
			continue
		}
		return &tunnels[i]
	}
	return nil
}

// listWithRetry queries the control API, retrying briefly in case the agent
// is mid-boot.
func (m *Manager) listWithRetry(ctx context.Context) ([]Tunnel, error) {
	var tunnels []Tunnel
	err := backoff.Retry(func() error {
		var listErr error
		tunnels, listErr = m.client.ListTunnels(ctx)
		return listErr
	}, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(listRetryInterval), listRetryAttempts),
		ctx,
	))
	return tunnels, err
}

// execSession spawns a fresh agent session bound to the gateway port. The
// launch is asynchronous: it succeeds once the grace period elapses without
// an early exit and without a recognized failure marker in the agent's
// diagnostic output, whichever comes first.
func (m *Manager) execSession(ctx context.Context) error {
	args := []string{"http", strconv.Itoa(m.opts.GatewayPort)}
	if m.opts.PublicDomain != "" {
		args = append(args, "--domain", m.opts.PublicDomain)
	}
	args = append(args, "--traffic-policy-file", m.opts.PolicyPath)

	cmd := exec.Command(m.opts.Executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "agent stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "agent stderr")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "spawn agent")
	}

	failures := make(chan string, 1)
	go watchStartupOutput(stdout, failures)
	go watchStartupOutput(stderr, failures)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		return errors.Errorf("agent exited during startup: %v", err)

	case line := <-failures:
		_ = cmd.Process.Kill()
		return errors.Errorf("agent reported startup failure: %s", line)

	case <-time.After(m.opts.startGrace()):
		// Survived the grace period; the session is considered up. The Wait
		// goroutine stays behind only to reap the child eventually.
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

func watchStartupOutput(r io.Reader, failures chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if classifyStartupLine(line) {
			select {
			case failures <- line:
			default:
			}
			return
		}
	}
}

// execKillSessions terminates all running agent processes. Best-effort:
// "no process found" is a fine outcome.
func (m *Manager) execKillSessions(ctx context.Context) error {
	_ = exec.CommandContext(ctx, "pkill", "-x", sessionProcessName(m.opts.Executable)).Run()
	return nil
}

// sessionProcessName reduces the configured executable to the process name
// pkill matches on; -x compares against the name, not the full path.
func sessionProcessName(executable string) string {
	return filepath.Base(executable)
}

// CreateTunnel creates, or reuses, the dedicated tunnel for a local port
// and returns its public URL. Idempotent: repeated calls for the same port
// return the same URL without creating duplicates.
//
// Dedicated tunnels are not covered by the main session's access policy;
// the agent's control API cannot attach policy dynamically. The proxy path
// is the policy-protected alternative.
func (m *Manager) CreateTunnel(ctx context.Context, port int) (url string, existed bool, err error) {
	m.mu.Lock()
	if url, ok := m.tunnels[port]; ok {
		m.mu.Unlock()
		return url, true, nil
	}
	m.mu.Unlock()

	// The agent may already run a tunnel for this port, e.g. from a
	// previous gateway process.
	if tunnels, listErr := m.client.ListTunnels(ctx); listErr == nil {
		if url := tunnelURLForPort(tunnels, port); url != "" {
			m.record(port, url)
			return url, true, nil
		}
	}

	name := tunnelName(port)
	created, err := m.client.CreateTunnel(ctx, CreateTunnelRequest{
		Name:  name,
		Addr:  fmt.Sprintf("localhost:%d", port),
		Proto: "http",
	})
	if err != nil {
		m.stats.Incr("agent.tunnel_create_errors", nil, 1)
		return "", false, errors.Wrapf(err, "create tunnel for port %d", port)
	}

	url = created.PublicURL
	// The agent may expose both an https and an http endpoint for the same
	// tunnel; prefer the encrypted one.
	if tunnels, listErr := m.client.ListTunnels(ctx); listErr == nil {
		url = preferSecure(urlsForName(tunnels, name), url)
	}

	m.record(port, url)
	m.stats.Incr("agent.tunnels_created", stats.Tags{"port": port}, 1)
	m.log.Warnw("Dedicated tunnel is not access-policy protected",
		"port", port,
		"url", url,
	)
	return url, false, nil
}

func (m *Manager) record(port int, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels[port] = url
}

// Tunnels returns a copy of the port→URL mapping for all known dedicated
// tunnels.
func (m *Manager) Tunnels() map[int]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[int]string, len(m.tunnels))
	for port, url := range m.tunnels {
		snapshot[port] = url
	}
	return snapshot
}

// Online reports whether the main agent session is believed up.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manager) setOnline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = true
	m.lastErr = nil
}

// Check is a healthcheck hook: it fails while the last session startup
// attempt failed.
func (m *Manager) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// tunnelName derives a deterministic tunnel name from the port so repeated
// restarts of the same service keep the same public URL.
func tunnelName(port int) string {
	return fmt.Sprintf("port-%d", port)
}

func tunnelURLForPort(tunnels []Tunnel, port int) string {
	var urls []string
	for _, t := range tunnels {
		if t.LocalPort() == port {
			urls = append(urls, t.PublicURL)
		}
	}
	return preferSecure(urls, "")
}

func urlsForName(tunnels []Tunnel, name string) []string {
	var urls []string
	for _, t := range tunnels {
		if t.Name == name {
			urls = append(urls, t.PublicURL)
		}
	}
	return urls
}

func preferSecure(urls []string, fallback string) string {
	for _, u := range urls {
		if strings.HasPrefix(u, "https://") {
			return u
		}
	}
	if len(urls) > 0 {
		return urls[0]
	}
	return fallback
}
