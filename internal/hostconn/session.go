package hostconn

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/eventbus"
)

// State is one of the printer-host connection states from spec.md §3.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateIdentified
	StateReady
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateReady:
		return "ready"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// reconnectDelay is the fixed backoff used for both the connect loop and
// the re-initialization loop, per spec.md §4.2/§4.4.
const reconnectDelay = 250 * time.Millisecond

// initStep is one idempotent step of session initialization. Each marks
// itself done on success; a re-initialization skips steps already done.
type initStep struct {
	name string
	fn   func(ctx context.Context, s *Session) error
	done bool
}

// Session owns the host connection's state machine: connect, identify,
// subscribe, ready, and the reconnect loop on disconnect, per spec.md §4.4.
type Session struct {
	log    zerolog.Logger
	bus    *eventbus.Bus
	client *Client

	socketPath string

	state atomic.Int32

	mu              sync.Mutex
	subscriptions   map[string]SubscriptionSpec // superset, per spec.md §3
	perConnSubs     map[ConnID]map[string]SubscriptionSpec
	initSteps       []*initStep
	lastPrintStats  json.RawMessage
	attemptCount    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ConnID identifies a WebSocket connection for per-connection subscription
// bookkeeping (spec.md §3 "Per-connection subscription").
type ConnID uint64

// SubscriptionSpec is either "all fields" (AllFields=true) or an ordered
// set of field names.
type SubscriptionSpec struct {
	AllFields bool
	Fields    []string
}

// NewSession builds a session bound to socketPath, using client as its
// RPC multiplexer and bus to publish lifecycle events.
func NewSession(log zerolog.Logger, bus *eventbus.Bus, client *Client, socketPath string) *Session {
	s := &Session{
		log:           log.With().Str("component", "hostconn.session").Logger(),
		bus:           bus,
		client:        client,
		socketPath:    socketPath,
		subscriptions: make(map[string]SubscriptionSpec),
		perConnSubs:   make(map[ConnID]map[string]SubscriptionSpec),
		stopCh:        make(chan struct{}),
	}
	s.state.Store(int32(StateDisconnected))
	s.resetInitSteps()
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Start begins the connect-retry loop in a background goroutine.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectLoop(ctx)
	}()
}

// Stop signals the connect loop to exit and waits up to 2s for the
// disconnect path to finish, per spec.md §4.2 ("graceful shutdown waits
// up to 2s").
func (s *Session) Stop() {
	s.setState(StateShutdown)
	close(s.stopCh)
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.log.Warn().Msg("timed out waiting for host session shutdown")
	}
}

func (s *Session) connectLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.setState(StateConnecting)
		t, err := Dial(ctx, s.socketPath)
		if err != nil {
			s.log.Debug().Err(err).Msg("connect failed, retrying")
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		s.setState(StateConnected)
		s.client.Attach(t)
		s.runUntilDisconnect(ctx, t)

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// runUntilDisconnect starts initialization and blocks on the read loop
// until the connection drops, then runs the disconnect path.
func (s *Session) runUntilDisconnect(ctx context.Context, t *Transport) {
	go s.initialize(ctx)

	readErr := s.client.runReadLoop(t)
	s.log.Info().Err(readErr).Msg("host connection closed")

	s.client.Detach()
	s.client.FailAllPending()

	s.mu.Lock()
	s.perConnSubs = make(map[ConnID]map[string]SubscriptionSpec)
	s.mu.Unlock()

	wasShuttingDown := s.State() == StateShutdown
	s.setState(StateDisconnected)
	if !wasShuttingDown {
		s.bus.Emit("server:klippy_disconnect")
	}
}

func (s *Session) resetInitSteps() {
	s.initSteps = []*initStep{
		{name: "info", fn: stepInfo},
		{name: "verify_objects", fn: stepVerifyObjects},
		{name: "subscribe_webhooks", fn: stepSubscribeWebhooks},
		{name: "subscribe_gcode_output", fn: stepSubscribeGcodeOutput},
		{name: "register_methods", fn: stepRegisterMethods},
		{name: "request_endpoints", fn: stepRequestEndpoints},
	}
}

// initialize runs the idempotent initialization list from spec.md §4.4,
// rescheduling the whole sequence after 0.25s on any failure.
func (s *Session) initialize(ctx context.Context) {
	s.attemptCount++
	for _, step := range s.initSteps {
		if step.done {
			continue
		}
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := step.fn(ctx, s); err != nil {
			if s.attemptCount%8 == 1 && s.attemptCount <= 80 {
				s.log.Info().Err(err).Str("step", step.name).Int("attempt", s.attemptCount).Msg("initialization step failed, retrying")
			}
			b := backoff.NewConstantBackOff(reconnectDelay)
			time.Sleep(b.NextBackOff())
			go s.initialize(ctx)
			return
		}
		step.done = true
	}

	s.setState(StateReady)
	s.bus.Emit("server:klippy_ready")
}

// ExplicitShutdown clears the init step markers so the next connection
// cycle re-runs every step, per spec.md §4.4.
func (s *Session) ExplicitShutdown() {
	s.resetInitSteps()
	s.attemptCount = 0
}

// HandleStatusUpdate inspects a webhooks status update for the shutdown
// transition described in spec.md §4.4.
func (s *Session) HandleStatusUpdate(status map[string]json.RawMessage) {
	wh, ok := status["webhooks"]
	if !ok {
		return
	}
	var fields struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(wh, &fields); err != nil {
		return
	}
	if fields.State == "shutdown" && s.State() == StateReady {
		s.bus.Emit("server:klippy_shutdown")
		s.setState(StateShutdown)
	}
}

// Subscribe widens the tracked superset with conn's requested fields and
// records the per-connection view. The superset only ever grows in this
// revision; see spec.md §9 open question on narrowing.
func (s *Session) Subscribe(conn ConnID, objects map[string]SubscriptionSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.perConnSubs[conn] == nil {
		s.perConnSubs[conn] = make(map[string]SubscriptionSpec)
	}
	for name, spec := range objects {
		s.perConnSubs[conn][name] = spec
		s.subscriptions[name] = unionSpec(s.subscriptions[name], spec)
	}
}

// Unsubscribe removes conn's entries from the per-connection tracking map.
// Per spec.md §3, this never narrows the already-subscribed superset.
func (s *Session) Unsubscribe(conn ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perConnSubs, conn)
}

// ReleaseConnection adapts Unsubscribe to the gateway's
// SubscriptionTracker interface, which deals in the gateway's own
// uint64 connection ids rather than hostconn.ConnID.
func (s *Session) ReleaseConnection(conn uint64) {
	s.Unsubscribe(ConnID(conn))
}

// Superset returns the current union of all per-connection subscriptions,
// the single set actually maintained with the host.
func (s *Session) Superset() map[string]SubscriptionSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SubscriptionSpec, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

// ConnectionSubscription returns conn's own view, for filtering outbound
// status updates per spec.md §3 "Per-connection subscription".
func (s *Session) ConnectionSubscription(conn ConnID) map[string]SubscriptionSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perConnSubs[conn]
}

func unionSpec(a, b SubscriptionSpec) SubscriptionSpec {
	if a.AllFields || b.AllFields {
		return SubscriptionSpec{AllFields: true}
	}
	seen := make(map[string]bool)
	var fields []string
	for _, f := range a.Fields {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	for _, f := range b.Fields {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	return SubscriptionSpec{Fields: fields}
}

// Initialization step implementations. Each is intentionally small: the
// actual wire calls go through the Client multiplexer so tests can swap
// it for a fake.

func stepInfo(ctx context.Context, s *Session) error {
	_, err := s.client.MakeRequest(ctx, "info", map[string]any{})
	if err != nil {
		return err
	}
	s.setState(StateIdentified)
	return nil
}

func stepVerifyObjects(ctx context.Context, s *Session) error {
	required := []string{"virtual_sdcard", "display_status", "pause_resume"}

	result, err := s.client.MakeRequest(ctx, "objects/list", nil)
	if err != nil {
		return err
	}

	var listing struct {
		Objects []string `json:"objects"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		s.log.Warn().Err(err).Msg("objects/list returned an unparsable result, skipping presence check")
		return nil
	}

	present := make(map[string]bool, len(listing.Objects))
	for _, name := range listing.Objects {
		present[name] = true
	}
	for _, obj := range required {
		if !present[obj] {
			s.log.Warn().Str("object", obj).Msg("required printer object not reported by host")
		}
	}
	return nil
}

func stepSubscribeWebhooks(ctx context.Context, s *Session) error {
	_, err := s.client.MakeRequest(ctx, "objects/subscribe", map[string]any{
		"objects": map[string]any{"webhooks": nil},
	})
	return err
}

func stepSubscribeGcodeOutput(ctx context.Context, s *Session) error {
	_, err := s.client.MakeRequest(ctx, "gcode/subscribe_output", nil)
	return err
}

func stepRegisterMethods(ctx context.Context, s *Session) error {
	for _, name := range s.client.FlaggedMethods() {
		if _, err := s.client.MakeRequest(ctx, "register_remote_method", map[string]any{"method_name": name}); err != nil {
			return err
		}
	}
	return nil
}

func stepRequestEndpoints(ctx context.Context, s *Session) error {
	_, err := s.client.MakeRequest(ctx, "list_endpoints", nil)
	return err
}
