// Package agent manages the gateway's relationship with the external
// tunneling agent: the always-running companion process that exposes local
// services publicly and offers a control API on a fixed loopback port.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultRequestTimeout = 5 * time.Second

// Tunnel mirrors the agent control API's wire representation of a running
// tunnel.
type Tunnel struct {
	Name      string       `json:"name"`
	PublicURL string       `json:"public_url"`
	Proto     string       `json:"proto"`
	Config    TunnelConfig `json:"config"`
}

type TunnelConfig struct {
	Addr string `json:"addr"`
}

// LocalPort extracts the local port this tunnel forwards to, or 0 when the
// address cannot be parsed.
func (t Tunnel) LocalPort() int {
	addr := t.Config.Addr
	if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
		addr = parsed.Host
	}
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0
	}
	return port
}

type CreateTunnelRequest struct {
	Name  string `json:"name"`
	Addr  string `json:"addr"`
	Proto string `json:"proto"`
}

// apiError is the agent's structured error envelope.
type apiError struct {
	Msg       string `json:"msg"`
	ErrorCode int    `json:"error_code"`
}

// Client talks to the agent's local control API. Every call carries its own
// timeout; a hung agent is treated as unreachable, never waited on.
type Client struct {
	// BaseURL is the control API root, by convention on a fixed loopback
	// port, e.g. "http://127.0.0.1:4040".
	BaseURL string

	Timeout    time.Duration
	HTTPClient *http.Client
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultRequestTimeout
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// ListTunnels returns every tunnel the agent currently runs.
func (c *Client) ListTunnels(ctx context.Context) ([]Tunnel, error) {
	var envelope struct {
		Tunnels []Tunnel `json:"tunnels"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tunnels", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Tunnels, nil
}

// CreateTunnel asks the agent to open a new tunnel to a local address.
func (c *Client) CreateTunnel(ctx context.Context, req CreateTunnelRequest) (*Tunnel, error) {
	var tunnel Tunnel
	if err := c.do(ctx, http.MethodPost, "/api/tunnels", req, &tunnel); err != nil {
		return nil, err
	}
	return &tunnel, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return errors.Wrap(err, "agent unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var agentErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&agentErr); err == nil && agentErr.Msg != "" {
			return errors.Errorf("agent error %d: %s", agentErr.ErrorCode, agentErr.Msg)
		}
		return errors.Errorf("agent returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "malformed agent response")
		}
	}
	return nil
}

// ControlURL builds the default control API base URL from an address like
// "127.0.0.1:4040".
func ControlURL(addr string) string {
	return fmt.Sprintf("http://%s", addr)
}
