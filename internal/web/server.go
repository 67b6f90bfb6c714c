package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"binupnp-cp/internal/automation"
	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/store"
)

// ControlPoint is the registry the API exposes.
type ControlPoint interface {
	Events() *controlpoint.EventBus
	Device(id uint64) *controlpoint.Device
	Devices() []*controlpoint.Device
	PendingInfos() []controlpoint.DeviceInfo
	Search()
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket and CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithStore exposes persisted device records and cached descriptions.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/info.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithInstanceID sets the installation ID reported by /api/info.
func WithInstanceID(id string) ServerOption {
	return func(s *Server) {
		s.instanceID = id
	}
}

// Server is the HTTP API of the control point.
type Server struct {
	cp             ControlPoint
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	store          store.Store
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	instanceID     string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and starts broadcasting control point
// events to WebSocket clients.
func NewServer(cp ControlPoint, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cp:     cp,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = cp.Events().OnAll(s.wsHub.Publish)

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/info", s.handleAPIInfo)
	s.mux.HandleFunc("POST /api/search", s.handleAPISearch)

	// Live registry
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{id}", s.handleAPIUpdateDevice)
	s.mux.HandleFunc("GET /api/devices/{id}/description", s.handleAPIGetDescription)
	s.mux.HandleFunc("GET /api/devices/{id}/services/{sid}/value", s.handleAPIGetValue)
	s.mux.HandleFunc("POST /api/devices/{id}/services/{sid}/value", s.handleAPISetValue)
	s.mux.HandleFunc("GET /api/devices/{id}/services/{sid}/management", s.handleAPIGetManagement)
	s.mux.HandleFunc("PATCH /api/devices/{id}/services/{sid}/management", s.handleAPIUpdateManagement)
	s.mux.HandleFunc("POST /api/devices/{id}/services/{sid}/actions/{action}", s.handleAPIInvoke)

	// Persisted records
	s.mux.HandleFunc("GET /api/known", s.handleAPIListKnown)
	s.mux.HandleFunc("DELETE /api/known/{id}", s.handleAPIDeleteKnown)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers from a browser, so
	// only /api/ is key protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		if subtle.ConstantTimeCompare([]byte(requestKey(r)), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// requestKey returns the API key from X-API-Key or a bearer token.
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
