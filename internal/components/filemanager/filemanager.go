// Package filemanager is the core component wiring spec.md §4.10-§4.13
// together: the fsroots virtual filesystem, the per-root change
// watcher, and the metadata extraction queue, plus the HTTP/WebSocket
// endpoints clients use to list, move, copy, delete and upload files.
package filemanager

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/moonbridge/moonbridge/internal/fsroots"
	"github.com/moonbridge/moonbridge/internal/gateway"
	"github.com/moonbridge/moonbridge/internal/gwerr"
	"github.com/moonbridge/moonbridge/internal/metadata"
	"github.com/moonbridge/moonbridge/internal/server"
	"github.com/moonbridge/moonbridge/internal/watcher"
)

// Component is the core (non-optional) file manager. An Init failure is
// recorded in the registry's failed-component list like any other
// component's and does not abort gateway startup.
type Component struct {
	extractorPath string

	cache    *metadata.Cache
	queue    *metadata.Queue
	watchers []*watcher.Watcher
}

// New builds an unattached file manager; Init wires roots, the watcher
// and the metadata queue using the roots already registered on
// ctx.Roots() by the time components load.
func New(extractorPath string) *Component {
	return &Component{extractorPath: extractorPath}
}

func (c *Component) Name() string { return "file_manager" }

// Init wires the metadata cache to the database facade, attaches it to
// fsroots for listing enrichment, starts a watcher per registered root,
// and registers the canonical file HTTP/WebSocket endpoints.
func (c *Component) Init(ctx *server.Context) error {
	c.cache = metadata.NewCache(ctx.Database())
	if err := c.cache.Prune(context.Background(), func(relPath string) bool {
		// Staleness here is judged against the gcodes root only, since
		// that's the only root the cache ever keys entries under.
		root, ok := ctx.Roots().Root("gcodes")
		if !ok {
			return false
		}
		_, err := os.Stat(filepath.Join(root.Path, relPath))
		return err == nil
	}); err != nil {
		ctx.Log.Warn().Err(err).Msg("metadata cache prune failed")
	}

	ctx.Roots().SetMetadataLookup(metadata.FsrootsLookup{Cache: c.cache})

	extractor := metadata.NewExtractor(ctx.Log, ctx.Shell(), c.extractorPath)
	c.queue = metadata.NewQueue(ctx.Log, c.cache, extractor, func(path string, rec metadata.Record) {
		fields := rec.AsFields()
		fields["filename"] = path
		ctx.EventBus().Emit("file_manager:metadata_update", fields)
	})

	for _, root := range ctx.Roots().Roots() {
		w, err := watcher.New(ctx.Log, root.Name, root.Path, c.sinkFor(ctx, root.Name))
		if err != nil {
			ctx.Log.Warn().Err(err).Str("root", root.Name).Msg("failed to start watcher for root")
			continue
		}
		c.watchers = append(c.watchers, w)
	}

	c.registerEndpoints(ctx)
	return nil
}

// Close stops every per-root watcher and the metadata worker.
func (c *Component) Close() error {
	for _, w := range c.watchers {
		_ = w.Close()
	}
	if c.queue != nil {
		c.queue.Close()
	}
	return nil
}

func (c *Component) sinkFor(ctx *server.Context, rootName string) watcher.Sink {
	return func(e watcher.Event) {
		switch e.Kind {
		case watcher.EventCreateFile, watcher.EventModifyFile:
			if info, err := os.Stat(c.absPath(ctx, e.Root, e.Path)); err == nil {
				c.queue.ParseMetadata(context.Background(), e.Path, info.Size(), float64(info.ModTime().UnixNano())/1e9, true)
			}
			ctx.EventBus().Emit("file_manager:"+string(e.Kind), rootName, e.Path)
		case watcher.EventMoveFile:
			c.cache.Delete(context.Background(), e.OldPath)
			if info, err := os.Stat(c.absPath(ctx, e.Root, e.Path)); err == nil {
				c.queue.ParseMetadata(context.Background(), e.Path, info.Size(), float64(info.ModTime().UnixNano())/1e9, true)
			}
			ctx.EventBus().Emit("file_manager:move_file", rootName, e.OldPath, e.Path)
		case watcher.EventDeleteFile:
			c.cache.Delete(context.Background(), e.Path)
			ctx.EventBus().Emit("file_manager:delete_file", rootName, e.Path)
		default:
			ctx.EventBus().Emit("file_manager:"+string(e.Kind), rootName, e.Path)
		}
	}
}

func (c *Component) absPath(ctx *server.Context, rootName, relPath string) string {
	abs, err := ctx.Roots().Resolve(rootName, relPath)
	if err != nil {
		return ""
	}
	return abs
}

func (c *Component) registerEndpoints(ctx *server.Context) {
	gw := ctx.Gateway()

	gw.RegisterEndpoint("/server/files/list", []string{"GET"}, gateway.ProtocolBoth,
		func(_ context.Context, req *gateway.Request) (any, error) {
			root, _ := req.GetStr("root", "gcodes")
			entries, _, err := ctx.Roots().List(root, "", true)
			if err != nil {
				return nil, err
			}
			return entries, nil
		})

	gw.RegisterEndpoint("/server/files/directory", []string{"GET", "POST", "DELETE"}, gateway.ProtocolBoth,
		func(_ context.Context, req *gateway.Request) (any, error) {
			root, _ := req.GetStr("root", "gcodes")
			path, _ := req.GetStr("path", "")
			extended, _ := req.GetBool("extended", false)

			switch req.Method {
			case "GET":
				entries, du, err := ctx.Roots().List(root, path, extended)
				if err != nil {
					return nil, err
				}
				return map[string]any{"files": entries, "disk_usage": du}, nil
			case "POST":
				abs, err := ctx.Roots().Resolve(root, path)
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(abs, 0o755); err != nil {
					return nil, gwerr.IO(err, "creating directory %s", path)
				}
				return map[string]any{"item": map[string]string{"path": path, "root": root}}, nil
			case "DELETE":
				force, _ := req.GetBool("force", false)
				if err := ctx.Roots().Delete(root, path, force); err != nil {
					return nil, err
				}
				return map[string]any{"item": map[string]string{"path": path, "root": root}}, nil
			}
			return nil, gwerr.Client(405, "method not allowed")
		})

	gw.RegisterEndpoint("/server/files/move", []string{"POST"}, gateway.ProtocolBoth,
		func(_ context.Context, req *gateway.Request) (any, error) {
			source, err := req.GetStr("source", "")
			if err != nil {
				return nil, err
			}
			dest, err := req.GetStr("dest", "")
			if err != nil {
				return nil, err
			}
			srcRoot, srcPath := splitRootPath(source)
			dstRoot, dstPath := splitRootPath(dest)
			if err := ctx.Roots().Move(srcRoot, srcPath, dstRoot, dstPath); err != nil {
				return nil, err
			}
			return map[string]any{"result": dest}, nil
		})

	gw.RegisterEndpoint("/server/files/copy", []string{"POST"}, gateway.ProtocolBoth,
		func(_ context.Context, req *gateway.Request) (any, error) {
			source, err := req.GetStr("source", "")
			if err != nil {
				return nil, err
			}
			dest, err := req.GetStr("dest", "")
			if err != nil {
				return nil, err
			}
			srcRoot, srcPath := splitRootPath(source)
			dstRoot, dstPath := splitRootPath(dest)
			if err := ctx.Roots().Copy(srcRoot, srcPath, dstRoot, dstPath); err != nil {
				return nil, err
			}
			return map[string]any{"result": dest}, nil
		})

	gw.RegisterEndpoint("/server/files/delete_file", []string{"DELETE"}, gateway.ProtocolWebSocket,
		func(_ context.Context, req *gateway.Request) (any, error) {
			path, err := req.GetStr("path", "")
			if err != nil {
				return nil, err
			}
			root, pathRel := splitRootPath(path)
			if err := ctx.Roots().Delete(root, pathRel, false); err != nil {
				return nil, err
			}
			return map[string]any{"result": path}, nil
		})

	gw.RegisterUpload("/server/files/upload", rootsUploadAdapter{ctx.Roots()}, func(absPath string) error {
		ctx.EventBus().Emit("server:print_start_requested", absPath)
		return nil
	})
}

type rootsUploadAdapter struct {
	roots *fsroots.Manager
}

func (a rootsUploadAdapter) Resolve(root, relPath string) (string, error) {
	return a.roots.Resolve(root, relPath)
}

// splitRootPath splits a client-supplied "root/relative/path" string
// (spec.md's canonical way of naming a file across roots) into its root
// name and root-relative remainder.
func splitRootPath(p string) (root, rel string) {
	p = strings.TrimLeft(p, "/")
	root, rel, _ = strings.Cut(p, "/")
	return root, rel
}
