// Package adminapi exposes read-only status/route/directory endpoints over
// a Unix socket for local debugging (§2 component O, ADDED), grounded on
// the teacher's own local API server: a thin http.Server wrapper configured
// with functional options and backed by routes.go-style JSON handlers.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sort"

	"github.com/overlaynet/meshd/internal/directory"
	"github.com/overlaynet/meshd/internal/routetable"
)

// StatusView is the JSON body of GET /status.
type StatusView struct {
	VirtualIP      string `json:"virtual_ip"`
	VirtualGateway string `json:"virtual_gateway"`
	Connected      bool   `json:"connected"`
	DirectoryEpoch uint16 `json:"directory_epoch"`
}

// StatusProvider answers the engine's current connection status.
type StatusProvider interface {
	Status() StatusView
}

// RouteView is one entry of GET /routes.
type RouteView struct {
	VirtualIP string `json:"virtual_ip"`
	RouteKey  string `json:"route_key"`
	Metric    uint8  `json:"metric"`
}

// RouteLister answers the route table's current content.
type RouteLister interface {
	Routes() []RouteView
}

// DirectoryLister answers the directory's current peer list.
type DirectoryLister interface {
	Snapshot() (uint16, []directory.PeerDeviceInfo)
}

// RoutesFromTable adapts a *routetable.Table into the flattened RouteView
// list GET /routes serves.
func RoutesFromTable(t *routetable.Table, ips []string) []RouteView {
	out := make([]RouteView, 0, len(ips))
	for _, ipStr := range ips {
		ip, err := netip.ParseAddr(ipStr)
		if err != nil {
			continue
		}
		for _, r := range t.Routes(ip) {
			out = append(out, RouteView{VirtualIP: ipStr, RouteKey: r.Key.String(), Metric: r.Metric})
		}
	}
	return out
}

// Server is a read-only HTTP server over a Unix socket.
type Server struct {
	*http.Server
	sockPath string
	listener net.Listener
}

type Option func(*Server)

func WithSockPath(path string) Option {
	return func(s *Server) { s.sockPath = path }
}

func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.BaseContext = func(net.Listener) context.Context { return ctx } }
}

// New builds a Server wired to the given status/route/directory sources.
func New(status StatusProvider, routes RouteLister, dir DirectoryLister, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{Server: &http.Server{Handler: mux}}
	for _, o := range opts {
		o(s)
	}

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status.Status())
	})
	mux.HandleFunc("GET /routes", func(w http.ResponseWriter, r *http.Request) {
		rs := routes.Routes()
		sort.Slice(rs, func(i, j int) bool { return rs[i].VirtualIP < rs[j].VirtualIP })
		writeJSON(w, rs)
	})
	mux.HandleFunc("GET /directory", func(w http.ResponseWriter, r *http.Request) {
		epoch, peers := dir.Snapshot()
		sort.Slice(peers, func(i, j int) bool { return peers[i].VirtualIP.Less(peers[j].VirtualIP) })
		writeJSON(w, struct {
			Epoch uint16                       `json:"epoch"`
			Peers []directory.PeerDeviceInfo `json:"peers"`
		}{epoch, peers})
	})

	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// ListenAndServe removes any stale socket file, listens on sockPath, and
// serves until the listener is closed.
func (s *Server) ListenAndServe() error {
	_ = os.Remove(s.sockPath)
	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("adminapi: listening on %s: %w", s.sockPath, err)
	}
	s.listener = ln
	return s.Serve(ln)
}

func (s *Server) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return s.Shutdown(context.Background())
}
