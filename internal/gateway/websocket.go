package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// rpcFrame is a JSON-RPC 2.0 frame in either direction.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// conn wraps one WebSocket connection with a dedicated writer goroutine,
// since gorilla/websocket forbids concurrent writes from multiple
// goroutines, per SPEC_FULL.md §4.6.
type conn struct {
	id     uint64
	ws     *websocket.Conn
	outbox chan []byte
	done   chan struct{}
}

func (c *conn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.outbox <- data:
	case <-c.done:
	}
}

// hub tracks live WebSocket connections for broadcast notifications.
type hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	conns   map[uint64]*conn
	nextID  atomic.Uint64
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		log:   log.With().Str("component", "gateway.hub").Logger(),
		conns: make(map[uint64]*conn),
	}
}

func (h *hub) broadcast(method string, params any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	frame := rpcFrame{JSONRPC: "2.0", Method: "notify_" + method, Params: mustMarshal(params)}
	for _, c := range h.conns {
		c.send(frame)
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

func (s *Server) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.auth.CheckAuthorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		id:     s.hub.nextID.Add(1),
		ws:     ws,
		outbox: make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	s.hub.mu.Lock()
	s.hub.conns[c.id] = c
	s.hub.mu.Unlock()

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) writeLoop(c *conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.outbox:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) readLoop(c *conn) {
	defer s.closeConn(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req rpcFrame
		if err := json.Unmarshal(data, &req); err != nil {
			s.log.Warn().Err(err).Msg("malformed websocket frame")
			continue
		}
		go s.dispatchWS(c, req)
	}
}

func (s *Server) dispatchWS(c *conn, frame rpcFrame) {
	ep, ok := s.lookupWSEndpoint(frame.Method)
	if !ok {
		if frame.ID != nil {
			c.send(rpcFrame{JSONRPC: "2.0", ID: frame.ID, Error: &rpcError{Code: 404, Message: "unknown method " + frame.Method}})
		}
		return
	}
	if ep.protocols&ProtocolWebSocket == 0 {
		if frame.ID != nil {
			c.send(rpcFrame{JSONRPC: "2.0", ID: frame.ID, Error: &rpcError{Code: 400, Message: "method not available over websocket"}})
		}
		return
	}

	req, err := newWSRequest(c.id, frame.Method, frame.Params)
	if err != nil {
		if frame.ID != nil {
			e := gwerr.As(err)
			c.send(rpcFrame{JSONRPC: "2.0", ID: frame.ID, Error: &rpcError{Code: e.Status, Message: e.Message}})
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := ep.handler(ctx, req)
	if frame.ID == nil {
		// Notification: no response expected, even on error, per spec.md §4.6.
		return
	}
	if err != nil {
		e := gwerr.As(err)
		c.send(rpcFrame{JSONRPC: "2.0", ID: frame.ID, Error: &rpcError{Code: e.Status, Message: e.Message}})
		return
	}
	c.send(rpcFrame{JSONRPC: "2.0", ID: frame.ID, Result: result})
}

func (s *Server) closeConn(c *conn) {
	close(c.done)
	s.hub.mu.Lock()
	delete(s.hub.conns, c.id)
	s.hub.mu.Unlock()
	c.ws.Close()

	if s.subs != nil {
		s.subs.ReleaseConnection(c.id)
	}
}
