// Package gateway implements the HTTP/WebSocket JSON-RPC front door
// described in spec.md §4.6: an endpoint registry shared by both
// transports, CORS and auth middleware composed at registration time,
// and a uniform request object (request.go) that both converge on.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

// Protocols restricts an endpoint to one or both transports, per
// spec.md §4.6 ("protocols restricts the endpoint to http, websocket, or
// both").
type Protocols int

const (
	ProtocolHTTP Protocols = 1 << iota
	ProtocolWebSocket
	ProtocolBoth = ProtocolHTTP | ProtocolWebSocket
)

// HandlerFunc is the uniform handler signature both transports invoke.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// AuthChecker authorizes an inbound HTTP request. Implemented by
// *auth.Guard; declared here as an interface to avoid an import cycle.
type AuthChecker interface {
	CheckAuthorized(r *http.Request) bool
	ApplyCORSHeaders(w http.ResponseWriter)
}

// SubscriptionTracker releases a closed WebSocket connection's printer
// object subscriptions. Implemented by *hostconn.Session; declared here
// as an interface to avoid an import cycle. It is optional: a gateway
// with no tracker set simply skips the release on disconnect.
type SubscriptionTracker interface {
	ReleaseConnection(conn uint64)
}

type endpoint struct {
	path      string
	methods   map[string]bool
	protocols Protocols
	handler   HandlerFunc
	// wsMethod is the JSON-RPC method name this endpoint answers to over
	// the WebSocket transport, name-mangled from path per spec.md §6.
	wsMethod string
	// wrapResult controls whether an HTTP response is enveloped as
	// {"result": <value>}; true unless WithoutResultWrapping is passed
	// to RegisterEndpoint, per spec.md §4.6/§6.
	wrapResult bool
}

// EndpointOption customizes a single RegisterEndpoint call.
type EndpointOption func(*endpoint)

// WithoutResultWrapping registers the endpoint with wrap_result=false:
// its HTTP response body is the handler's result value as-is, with no
// surrounding {"result": ...} envelope.
func WithoutResultWrapping() EndpointOption {
	return func(ep *endpoint) { ep.wrapResult = false }
}

// Server is the shared endpoint registry and transport adapter for both
// HTTP and WebSocket JSON-RPC, per spec.md §4.6.
type Server struct {
	log  zerolog.Logger
	auth AuthChecker
	subs SubscriptionTracker

	mu        sync.RWMutex
	byPath    map[string]*endpoint
	byWSName  map[string]*endpoint
	enableCORS bool

	httpServer *http.Server
	mux        *http.ServeMux

	hub *hub
}

// New builds a gateway with no listener; Listen binds it to an address
// ("host:port").
func New(log zerolog.Logger, auth AuthChecker) *Server {
	s := &Server{
		log:      log.With().Str("component", "gateway").Logger(),
		auth:     auth,
		byPath:   make(map[string]*endpoint),
		byWSName: make(map[string]*endpoint),
		mux:      http.NewServeMux(),
		hub:      newHub(log),
	}
	s.mux.HandleFunc("/websocket", s.handleWebSocketUpgrade)
	return s
}

// SetSubscriptionTracker attaches the printer-object subscription
// tracker whose ReleaseConnection is called when a WebSocket connection
// closes. Set once during bootstrap, after the host session exists.
func (s *Server) SetSubscriptionTracker(t SubscriptionTracker) {
	s.subs = t
}

// RegisterEndpoint records handler under path for the given HTTP methods
// and transport protocols, per spec.md §4.6. By default the HTTP
// response is wrapped as {"result": <value>}; pass WithoutResultWrapping
// to opt out per spec.md §6.
func (s *Server) RegisterEndpoint(path string, methods []string, protocols Protocols, handler HandlerFunc, opts ...EndpointOption) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[strings.ToUpper(m)] = true
	}

	ep := &endpoint{
		path:       path,
		methods:    allowed,
		protocols:  protocols,
		handler:    handler,
		wsMethod:   mangleWSMethod(path),
		wrapResult: true,
	}
	for _, opt := range opts {
		opt(ep)
	}
	s.byPath[path] = ep
	if protocols&ProtocolWebSocket != 0 {
		s.byWSName[ep.wsMethod] = ep
	}
	if protocols&ProtocolHTTP != 0 {
		s.mux.HandleFunc(path, s.wrapHTTP(ep))
	}
}

// mangleWSMethod turns "/printer/print/pause" into "printer.print.pause",
// matching spec.md §6's "methods mirror HTTP endpoints by name-mangled
// form".
func mangleWSMethod(path string) string {
	trimmed := strings.Trim(path, "/")
	return strings.ReplaceAll(trimmed, "/", ".")
}

// Mux returns the underlying HTTP handler, for tests that want to drive
// requests through httptest without binding a real listener.
func (s *Server) Mux() http.Handler { return s.mux }

// Listen starts serving HTTP and WebSocket on addr. It blocks until ctx
// is canceled, then shuts down with a grace period.
func (s *Server) Listen(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("gateway listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Broadcast fans a JSON-RPC notification out to every subscribed
// WebSocket connection. Called by the event bus's NotifyFunc, per
// spec.md §4.1.
func (s *Server) Broadcast(method string, params any) {
	s.hub.broadcast(method, params)
}

func (s *Server) wrapHTTP(ep *endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.auth.ApplyCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !ep.methods[r.Method] {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.auth.CheckAuthorized(r) {
			writeHTTPError(w, gwerr.Unauthorized("Unauthorized"))
			return
		}

		req, err := newHTTPRequest(r)
		if err != nil {
			writeHTTPError(w, err)
			return
		}

		result, err := ep.handler(r.Context(), req)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		if ep.wrapResult {
			writeHTTPResult(w, result)
			return
		}
		writeHTTPRaw(w, result)
	}
}

func writeHTTPResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func writeHTTPRaw(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func writeHTTPError(w http.ResponseWriter, err error) {
	e := gwerr.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": e.Message},
	})
}

func (s *Server) lookupWSEndpoint(method string) (*endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.byWSName[method]
	return ep, ok
}

// Request is the uniform web-request object both transports converge on,
// defined in request.go.
