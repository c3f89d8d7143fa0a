package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ConfigureWebRoutes attaches the JSON API to a router, typically a
// subrouter mounted at /api.
func (s API) ConfigureWebRoutes(router *mux.Router) {
	router.HandleFunc("/ports", s.handleListPorts).Methods(http.MethodGet)
	router.HandleFunc("/kill/{port:[0-9]+}", s.handleKillPort).Methods(http.MethodPost)
	router.HandleFunc("/commands", s.handleListCommands).Methods(http.MethodGet)
	router.HandleFunc("/launch/{index:[0-9]+}", s.handleLaunchCommand).Methods(http.MethodPost)
	router.HandleFunc("/tunnel/{port:[0-9]+}", s.handleCreateTunnel).Methods(http.MethodPost)
	router.HandleFunc("/tunnels", s.handleListTunnels).Methods(http.MethodGet)
}

// ConfigureProxyRoutes attaches the selection and forwarding paths to the
// root router. The NotFoundHandler doubles as the bare-path asset
// forwarder for clients holding a selection cookie.
func (s API) ConfigureProxyRoutes(router *mux.Router) {
	router.HandleFunc("/proxy/{port:[0-9]+}", s.Proxy.HandleSelect).Methods(http.MethodGet)
	router.HandleFunc("/proxy/{port:[0-9]+}/{path:.*}", s.Proxy.HandleSelect).Methods(http.MethodGet)
	router.PathPrefix(forwardPathPrefix).HandlerFunc(s.Proxy.HandleForward)
	router.NotFoundHandler = http.HandlerFunc(s.Proxy.HandleFallback)
}

func (s API) handleListPorts(w http.ResponseWriter, r *http.Request) {
	respond(w, s.ListPorts(r.Context()))
}

func (s API) handleKillPort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(mux.Vars(r)["port"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid port")
		return
	}
	respond(w, s.KillPort(r.Context(), KillPortRequest{Port: port}))
}

func (s API) handleListCommands(w http.ResponseWriter, r *http.Request) {
	respond(w, s.ListCommands())
}

func (s API) handleLaunchCommand(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index")
		return
	}
	respond(w, s.LaunchCommand(LaunchCommandRequest{Index: index}))
}

func (s API) handleCreateTunnel(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(mux.Vars(r)["port"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid port")
		return
	}
	respond(w, s.CreateTunnel(r.Context(), CreateTunnelRequest{Port: port}))
}

func (s API) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	respond(w, s.ListTunnels())
}

func respond(w http.ResponseWriter, ret interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ret)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Success: false, Message: message})
}
