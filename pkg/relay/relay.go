package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/niports/tracking-relay/internal/log"
	"github.com/niports/tracking-relay/pkg/account"
	"github.com/niports/tracking-relay/pkg/cache"
	"github.com/niports/tracking-relay/pkg/gateway"
	"github.com/niports/tracking-relay/pkg/protocol"
)

const (
	DefaultPort            = 3000
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// SessionState reports the upstream session state.
type SessionState interface {
	State() account.State
}

// Server exposes the client gateway and the relay's status endpoints over HTTP.
type Server struct {
	// ShutdownTimeout bounds graceful shutdown in ListenAndServe.
	ShutdownTimeout time.Duration

	session   SessionState
	positions *cache.PositionCache
	address   gateway.AddressSource
	hub       *gateway.Hub
	router    chi.Router
}

// New creates a relay server. Cross-origin requests are accepted from allowedOrigins; an empty
// list allows any origin.
func New(session SessionState, positions *cache.PositionCache, address gateway.AddressSource,
	hub *gateway.Hub, allowedOrigins []string) *Server {
	s := &Server{
		ShutdownTimeout: DefaultShutdownTimeout,
		session:         session,
		positions:       positions,
		address:         address,
		hub:             hub,
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}))
	r.Handle("/ws", gateway.NewWebSocketHandler(hub, nil))
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/positions", s.handlePositions)
	r.Handle("/metrics", promhttp.Handler())
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSONError(w, http.StatusNotFound, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
	})
	s.router = r
	return s
}

// Response contains a server's response to a client request.
type Response struct {
	Response interface{} `json:"response,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Health describes the relay's state.
type Health struct {
	Session   string    `json:"session"`
	Address   string    `json:"address"`
	Devices   int       `json:"devices"`
	Clients   int       `json:"clients"`
	UpdatedAt time.Time `json:"updated_at"`
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{}
	if err == nil {
		reply.Error = http.StatusText(code)
	} else {
		reply.Error = err.Error()
	}
	if code >= http.StatusInternalServerError {
		log.Error("Returning error %s: %s", http.StatusText(code), reply.Error)
	}
	writeJSON(w, code, &reply)
}

func writeJSON(w http.ResponseWriter, code int, reply interface{}) {
	jsonBytes, err := json.Marshal(reply)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Debug("Received %s request for %s", req.Method, req.URL.Path)
	s.router.ServeHTTP(w, req)
}

// handleHealth returns 200 once an upstream session is established and 503 before that.
func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	state := s.session.State()
	snapshot := s.positions.Snapshot()
	health := Health{
		Session:   state.String(),
		Address:   s.address.Current().Address,
		Devices:   snapshot.Len(),
		Clients:   s.hub.ClientCount(),
		UpdatedAt: snapshot.UpdatedAt,
	}
	code := http.StatusOK
	if state != account.StateAuthenticated {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, &Response{Response: &health})
}

// handlePositions exports the cached snapshot. With ?ids=D1,D2 only the listed devices are
// returned.
func (s *Server) handlePositions(w http.ResponseWriter, req *http.Request) {
	ids, filtered := req.URL.Query()["ids"]
	if !filtered {
		w.Header().Set("Content-Type", "application/json")
		if err := s.positions.Export(w); err != nil {
			log.Warning("Error exporting positions: %s", err)
		}
		return
	}

	var deviceIDs []string
	for _, list := range ids {
		for _, id := range strings.Split(list, ",") {
			if id = strings.TrimSpace(id); id != "" {
				deviceIDs = append(deviceIDs, id)
			}
		}
	}
	positions, err := s.positions.Query(deviceIDs)
	switch {
	case errors.Is(err, protocol.ErrNoMatchingDevice):
		writeJSONError(w, http.StatusNotFound, err)
	case protocol.IsClientError(err):
		writeJSONError(w, http.StatusBadRequest, err)
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, &Response{Response: positions})
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down the HTTP server and
// disconnects gateway clients.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve is like ListenAndServe but accepts connections on listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	served := make(chan error, 1)
	go func() {
		log.Info("Listening on %s", listener.Addr())
		served <- server.Serve(listener)
	}()

	select {
	case err := <-served:
		return multierr.Append(err, s.hub.Close())
	case <-ctx.Done():
	}

	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	log.Info("Shutting down relay server")
	// Hijacked WebSocket connections are not tracked by Shutdown; closing the hub ends them.
	err := multierr.Combine(s.hub.Close(), server.Shutdown(shutdownCtx))
	if serveErr := <-served; !errors.Is(serveErr, http.ErrServerClosed) {
		err = multierr.Append(err, serveErr)
	}
	return err
}
