package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

// SelectionCookie carries the client's active proxy target port. It is
// scoped to the gateway's origin and session-scoped unless the client
// persists it; the gateway never invalidates it explicitly.
const SelectionCookie = "selection_port"

// forwardPathPrefix is the canonical forwarding path. The selection
// redirect lands here so that relative asset links emitted by the proxied
// service, which does not know it is behind a proxy, resolve through the
// gateway instead of 404ing.
const forwardPathPrefix = "/p/"

// Proxy converts a "proxy to port N" action into a durable per-client
// routing decision and forwards all subsequent traffic to the selected
// local port.
type Proxy struct {
	Log   *log.Logger
	Stats stats.Stats
}

// HandleSelect records the requested port in the selection cookie and
// redirects to the canonical path carrying the same subpath.
func (p *Proxy) HandleSelect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	port, err := strconv.Atoi(vars["port"])
	if err != nil || port < minPort || port > maxPort {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid port %q", vars["port"]))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SelectionCookie,
		Value:    strconv.Itoa(port),
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})

	target := forwardPathPrefix + vars["path"]
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	p.Log.Debugw("Proxy target selected", "port", port, "path", vars["path"])
	p.Stats.Incr("proxy.selections", stats.Tags{"port": port}, 1)
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleForward serves the canonical forwarding path: it relays the request
// to the port recorded in the selection cookie.
func (p *Proxy) HandleForward(w http.ResponseWriter, r *http.Request) {
	port, ok := p.selectedPort(r)
	if !ok {
		respondError(w, http.StatusBadRequest,
			"no proxy target selected; open a service via /proxy/{port}/ first")
		return
	}
	p.forward(w, r, port, strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(forwardPathPrefix, "/")))
}

// HandleFallback catches every unrouted path. Requests from a client with
// an active selection are asset requests of the proxied service and are
// forwarded verbatim; anything else is a JSON 404.
func (p *Proxy) HandleFallback(w http.ResponseWriter, r *http.Request) {
	if port, ok := p.selectedPort(r); ok {
		p.forward(w, r, port, r.URL.Path)
		return
	}
	respondError(w, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
}

func (p *Proxy) selectedPort(r *http.Request) (int, bool) {
	cookie, err := r.Cookie(SelectionCookie)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(cookie.Value)
	if err != nil || port < minPort || port > maxPort {
		return 0, false
	}
	return port, true
}

// forward relays one request to 127.0.0.1:port at the given path, streaming
// both directions. The upstream response is passed through unmodified; an
// upstream connection failure becomes a 502 naming the underlying error,
// scoped to this request only and never retried.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, port int, path string) {
	if path == "" || !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	upstream := &url.URL{
		Scheme: "http",
		Host:   "127.0.0.1:" + strconv.Itoa(port),
	}

	sessionID := uuid.New().String()
	logger := p.Log.With("session_id", sessionID, "port", port)
	logger.Debugw("Forwarding request", "method", r.Method, "path", path)
	p.Stats.Incr("proxy.requests", stats.Tags{"port": port}, 1)

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.URL.Path = path
			req.URL.RawQuery = r.URL.RawQuery
			req.Host = upstream.Host
		},
		// Flush as bytes arrive; long-lived upstream streams must not be
		// buffered into memory.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			logger.Errorw("Upstream error", "error", err)
			p.Stats.Incr("proxy.upstream_errors", stats.Tags{"port": port}, 1)
			respondError(w, http.StatusBadGateway,
				fmt.Sprintf("upstream %s: %v", upstream.Host, err))
		},
	}
	proxy.ServeHTTP(w, r)
}
