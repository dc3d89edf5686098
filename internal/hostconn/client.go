package hostconn

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

// wireRequest is the frame shape sent to the host.
type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// wireMessage is the frame shape used to sniff an inbound decode: it may
// be a remote method call (Method set), or a response (ID set, no Method).
type wireMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RemoteMethodFunc handles an inbound remote-method call from the host.
type RemoteMethodFunc func(params json.RawMessage)

type remoteMethod struct {
	fn                  RemoteMethodFunc
	needHostRegistration bool
}

type pending struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	value json.RawMessage
	err   error
}

// Client is the RPC multiplexer: it correlates outbound requests with
// inbound responses by id, and dispatches inbound remote-method calls to
// registered handlers, per spec.md §4.3.
type Client struct {
	log zerolog.Logger

	mu      sync.Mutex
	pending map[int64]*pending
	nextID  atomic.Int64

	methodsMu sync.RWMutex
	methods   map[string]remoteMethod

	transport atomic.Pointer[Transport]
}

// NewClient creates a multiplexer with no transport attached yet; Attach
// binds it to a live connection.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		log:     log.With().Str("component", "hostconn.client").Logger(),
		pending: make(map[int64]*pending),
		methods: make(map[string]remoteMethod),
	}
}

// Attach binds the multiplexer to a live transport. It does not start a
// read loop; the session runs that itself. Call Detach when the
// connection drops.
func (c *Client) Attach(t *Transport) {
	c.transport.Store(t)
}

// RegisterMethod registers a handler for inbound remote method calls
// named method. needHostRegistration marks methods the host must be told
// about during session initialization (spec.md §4.3/§4.4).
func (c *Client) RegisterMethod(method string, needHostRegistration bool, fn RemoteMethodFunc) {
	c.methodsMu.Lock()
	defer c.methodsMu.Unlock()
	c.methods[method] = remoteMethod{fn: fn, needHostRegistration: needHostRegistration}
}

// FlaggedMethods returns the names of methods registered with
// needHostRegistration=true, for the session state machine to announce
// to the host during initialization.
func (c *Client) FlaggedMethods() []string {
	c.methodsMu.RLock()
	defer c.methodsMu.RUnlock()
	var names []string
	for name, m := range c.methods {
		if m.needHostRegistration {
			names = append(names, name)
		}
	}
	return names
}

// MakeRequest sends method/params to the host and waits for a correlated
// response, logging a "pending" watchdog message every 60s while waiting,
// per spec.md §4.3.
func (c *Client) MakeRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t := c.transport.Load()
	if t == nil {
		return nil, gwerr.HostUnavailable("printer host not connected")
	}

	id := c.nextID.Add(1)
	p := &pending{resultCh: make(chan pendingResult, 1)}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, gwerr.Internal(err, "encoding request params")
		}
		paramsJSON = b
	}

	frame, err := json.Marshal(wireRequest{ID: id, Method: method, Params: paramsJSON})
	if err != nil {
		return nil, gwerr.Internal(err, "encoding request")
	}
	if err := t.WriteFrame(frame); err != nil {
		return nil, gwerr.HostUnavailable("writing request: %v", err)
	}

	start := time.Now()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case res := <-p.resultCh:
			if res.err != nil {
				return nil, res.err
			}
			return res.value, nil
		case <-ticker.C:
			c.log.Warn().Str("method", method).Dur("elapsed", time.Since(start)).Msg("pending")
		case <-ctx.Done():
			return nil, gwerr.HostUnavailable("request canceled: %v", ctx.Err())
		}
	}
}

// runReadLoop reads frames until the connection fails, dispatching each
// to handleInbound. It returns the error that ended the loop (always
// non-nil, including io.EOF).
func (c *Client) runReadLoop(t *Transport) error {
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			return err
		}
		c.handleInbound(frame)
	}
}

func (c *Client) handleInbound(frame []byte) {
	var msg wireMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.log.Warn().Err(err).Msg("malformed frame from host, dropping")
		return
	}

	if msg.Method != "" {
		c.dispatchRemoteMethod(msg.Method, msg.Params)
		return
	}

	if msg.ID == nil {
		c.log.Warn().Msg("frame with no method and no id, dropping")
		return
	}

	c.mu.Lock()
	p, ok := c.pending[*msg.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if msg.Error != nil {
		p.resultCh <- pendingResult{err: gwerr.Client(400, "%s", msg.Error.Message)}
		return
	}

	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage(`"ok"`)
	}
	p.resultCh <- pendingResult{value: result}
}

func (c *Client) dispatchRemoteMethod(method string, params json.RawMessage) {
	c.methodsMu.RLock()
	m, ok := c.methods[method]
	c.methodsMu.RUnlock()
	if !ok {
		c.log.Warn().Str("method", method).Msg("unknown remote method, dropping")
		return
	}
	m.fn(params)
}

// FailAllPending fails every outstanding request with a host-disconnected
// error and clears the table, per the invariant in spec.md §3.
func (c *Client) FailAllPending() {
	c.mu.Lock()
	pendings := c.pending
	c.pending = make(map[int64]*pending)
	c.mu.Unlock()

	for _, p := range pendings {
		p.resultCh <- pendingResult{err: gwerr.HostUnavailable("host disconnected")}
	}
}

// Detach clears the current transport so new requests fail fast.
func (c *Client) Detach() {
	c.transport.Store(nil)
}
