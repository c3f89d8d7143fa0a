package gateway

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

func newProxyRouter(t *testing.T) *mux.Router {
	t.Helper()
	api := API{
		Proxy: &Proxy{Log: log.Get(), Stats: stats.Noop()},
		Log:   log.Get(),
		Stats: stats.Noop(),
	}
	router := mux.NewRouter()
	api.ConfigureProxyRoutes(router)
	return router
}

// echoUpstream starts a local HTTP server that reports the request it
// received, and returns its port.
func echoUpstream(t *testing.T) int {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "echo")
		fmt.Fprintf(w, "%s %s?%s %s", r.Method, r.URL.Path, r.URL.RawQuery, body)
	}))
	t.Cleanup(upstream.Close)

	parsed, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return port
}

func selectionCookie(port int) *http.Cookie {
	return &http.Cookie{Name: SelectionCookie, Value: strconv.Itoa(port)}
}

func Test_Proxy_Select(t *testing.T) {
	router := newProxyRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/proxy/3000/admin/users?page=2", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusFound, recorder.Code)
	assert.Equal(t, "/p/admin/users?page=2", recorder.Header().Get("Location"))

	cookies := recorder.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SelectionCookie, cookies[0].Name)
	assert.Equal(t, "3000", cookies[0].Value)
	assert.Equal(t, "/", cookies[0].Path)
}

func Test_Proxy_Select_NoSubpath(t *testing.T) {
	router := newProxyRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/proxy/3000", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusFound, recorder.Code)
	assert.Equal(t, "/p/", recorder.Header().Get("Location"))
}

func Test_Proxy_Forward(t *testing.T) {
	port := echoUpstream(t)
	router := newProxyRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/p/submit?draft=1", strings.NewReader("payload"))
	req.AddCookie(selectionCookie(port))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "POST /submit?draft=1 payload", recorder.Body.String())
	assert.Equal(t, "echo", recorder.Header().Get("X-Upstream"))
}

func Test_Proxy_Forward_NoSelection(t *testing.T) {
	router := newProxyRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/p/anything", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "no proxy target selected")
}

func Test_Proxy_FallbackForwardsAssets(t *testing.T) {
	port := echoUpstream(t)
	router := newProxyRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/static/app.js", nil)
	req.AddCookie(selectionCookie(port))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "GET /static/app.js? ", recorder.Body.String())
}

func Test_Proxy_FallbackWithoutSelection(t *testing.T) {
	router := newProxyRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "no route for /nowhere")
}

func Test_Proxy_UpstreamDown(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	router := newProxyRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/p/", nil)
	req.AddCookie(selectionCookie(port))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadGateway, recorder.Code)
	assert.Contains(t, recorder.Body.String(),
		"upstream "+net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

func Test_Proxy_InvalidSelectPort(t *testing.T) {
	router := newProxyRouter(t)

	// The route pattern only admits digits, so an out-of-range value is the
	// interesting case.
	req := httptest.NewRequest(http.MethodGet, "/proxy/99999", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Empty(t, recorder.Result().Cookies())
}
