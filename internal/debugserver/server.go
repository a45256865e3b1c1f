// Package debugserver exposes a read-only HTTP introspection surface over a
// coordinator.Coordinator: current anchor state and connection status. It
// is never required for correctness — operators use
// it to inspect a running sync engine without instrumenting the client.
package debugserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/rxsync/internal/coordinator"
)

// Server is a read-only debug HTTP server backed by a Coordinator.
type Server struct {
	server     *ada.Server
	instanceID string

	coord       *coordinator.Coordinator
	unsubStatus func()

	connected        atomic.Bool
	lastDisconnectAt atomic.Value // time.Time
}

// New wires a debug server over coord. service is the process identity
// string reported by the server middleware (typically "name/version").
func New(service string, coord *coordinator.Coordinator) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{server: mux, coord: coord, instanceID: ulid.Make().String()}

	s.unsubStatus = coord.SubscribeConnectionStatus(func(disconnectedAt *time.Time) {
		if disconnectedAt == nil {
			s.connected.Store(true)
			return
		}
		s.connected.Store(false)
		s.lastDisconnectAt.Store(*disconnectedAt)
	})

	group := mux.Group("/debug")
	group.GET("/v1/state", s.State)
	group.GET("/v1/connection", s.Connection)

	return s
}

// Start runs the debug server until ctx is cancelled.
func (s *Server) Start(ctx context.Context, host, port string) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(host, port))
}

// Close releases the server's subscription to the coordinator.
func (s *Server) Close() {
	if s.unsubStatus != nil {
		s.unsubStatus()
	}
}

func (s *Server) State(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"anchor_state": s.coord.State()}, http.StatusOK)
}

type connectionResponse struct {
	InstanceID       string     `json:"instance_id"`
	Connected        bool       `json:"connected"`
	LastDisconnectAt *time.Time `json:"last_disconnect_at,omitempty"`
}

func (s *Server) Connection(w http.ResponseWriter, r *http.Request) {
	resp := connectionResponse{InstanceID: s.instanceID, Connected: s.connected.Load()}
	if v := s.lastDisconnectAt.Load(); v != nil {
		t := v.(time.Time)
		resp.LastDisconnectAt = &t
	}
	respondJSON(w, resp, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(v)
}
