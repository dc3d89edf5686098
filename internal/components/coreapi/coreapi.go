// Package coreapi is the core "host-API helper" component from spec.md
// §4.8's fixed load order: it registers the handful of HTTP/WebSocket
// endpoints that belong to the gateway itself rather than to any single
// file, printer-state, or auth component — server introspection,
// configuration readback, restart, API-key/one-shot-token management,
// the /api/files/local upload alias, and the printer-object subscribe
// method.
package coreapi

import (
	"context"

	"github.com/moonbridge/moonbridge/internal/gateway"
	"github.com/moonbridge/moonbridge/internal/gwerr"
	"github.com/moonbridge/moonbridge/internal/hostconn"
	"github.com/moonbridge/moonbridge/internal/server"
)

// Component registers the gateway's own canonical endpoints. It holds no
// state of its own beyond the restart callback; every field it exposes
// lives on the collaborators reached through server.Context.
type Component struct {
	restart func()
}

// New builds an unattached coreapi component. restart is invoked by
// POST /server/restart; the caller (cmd/moonbridge) wires it to cancel
// the process's run context, matching the original's
// "spawn the stop sequence and let the process exit" behavior, relying
// on an external supervisor to start the process again.
func New(restart func()) *Component {
	return &Component{restart: restart}
}

func (c *Component) Name() string { return "host_api_helper" }

// Init registers every endpoint this component owns.
func (c *Component) Init(ctx *server.Context) error {
	gw := ctx.Gateway()

	gw.RegisterEndpoint("/server/info", []string{"GET"}, gateway.ProtocolBoth,
		func(_ context.Context, _ *gateway.Request) (any, error) {
			return serverInfo(ctx), nil
		})

	gw.RegisterEndpoint("/server/config", []string{"GET"}, gateway.ProtocolBoth,
		func(_ context.Context, _ *gateway.Request) (any, error) {
			return map[string]any{"config": ctx.Config}, nil
		})

	gw.RegisterEndpoint("/server/restart", []string{"POST"}, gateway.ProtocolBoth,
		func(_ context.Context, _ *gateway.Request) (any, error) {
			ctx.Log.Info().Msg("server restart requested")
			if c.restart != nil {
				go c.restart()
			}
			return "ok", nil
		})

	gw.RegisterEndpoint("/access/api_key", []string{"GET"}, gateway.ProtocolHTTP,
		func(_ context.Context, _ *gateway.Request) (any, error) {
			return ctx.Auth().APIKey(), nil
		})
	gw.RegisterEndpoint("/access/api_key", []string{"POST"}, gateway.ProtocolHTTP,
		func(_ context.Context, _ *gateway.Request) (any, error) {
			return ctx.Auth().RotateAPIKey()
		})

	gw.RegisterEndpoint("/access/oneshot_token", []string{"GET"}, gateway.ProtocolHTTP,
		func(_ context.Context, _ *gateway.Request) (any, error) {
			return ctx.Auth().IssueOneShotToken()
		})

	gw.RegisterEndpoint("/printer/objects/subscribe", []string{"POST"}, gateway.ProtocolWebSocket,
		func(_ context.Context, req *gateway.Request) (any, error) {
			return subscribeObjects(ctx, req)
		})

	gw.RegisterUpload("/api/files/local", ctx.Roots(), func(absPath string) error {
		ctx.EventBus().Emit("server:print_start_requested", absPath)
		return nil
	})

	return nil
}

func serverInfo(ctx *server.Context) map[string]any {
	failed := ctx.FailedComponents()
	names := make([]string, 0, len(failed))
	for _, f := range failed {
		names = append(names, f.Component)
	}

	state := ctx.HostSession().State()
	return map[string]any{
		"klippy_connected":  state == hostconn.StateReady,
		"klippy_state":      state.String(),
		"failed_components": names,
	}
}

// subscribeObjects parses the requested object/field map from a
// WebSocket printer.objects.subscribe call and widens the host
// session's subscription superset, per spec.md §3/§4.4.
func subscribeObjects(ctx *server.Context, req *gateway.Request) (any, error) {
	raw, ok := req.Args["objects"]
	if !ok {
		return nil, gwerr.Client(400, "missing argument %q", "objects")
	}

	specs, err := parseSubscriptionSpecs(raw)
	if err != nil {
		return nil, err
	}

	session := ctx.HostSession()
	session.Subscribe(hostconn.ConnID(req.ConnID), specs)
	return map[string]any{"status": "ok"}, nil
}

func parseSubscriptionSpecs(raw any) (map[string]hostconn.SubscriptionSpec, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, gwerr.Client(400, "%q must be a map of object name to field list", "objects")
	}

	specs := make(map[string]hostconn.SubscriptionSpec, len(m))
	for name, v := range m {
		if v == nil {
			specs[name] = hostconn.SubscriptionSpec{AllFields: true}
			continue
		}
		list, ok := v.([]any)
		if !ok {
			return nil, gwerr.Client(400, "object %q fields must be a list or null", name)
		}
		fields := make([]string, 0, len(list))
		for _, f := range list {
			s, ok := f.(string)
			if !ok {
				return nil, gwerr.Client(400, "object %q has a non-string field name", name)
			}
			fields = append(fields, s)
		}
		specs[name] = hostconn.SubscriptionSpec{Fields: fields}
	}
	return specs, nil
}
