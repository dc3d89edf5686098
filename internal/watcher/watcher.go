// Package watcher implements the change-detection state machine over
// registered file roots described in spec.md §4.12: directory and file
// events are demultiplexed from raw fsnotify events, debounced, and
// emitted as file_manager events on the event bus.
//
// fsnotify does not expose raw inotify MOVED_FROM/MOVED_TO cookies or an
// IN_CLOSE_WRITE event the way the original system's pyinotify backend
// does. Two adaptations follow from that, both recorded in DESIGN.md:
// write-close is synthesized from a debounce timer armed on the last
// Write event for a path, and move-cookie correlation pairs a Remove
// event with a Create event for the same basename observed within the
// debounce window, rather than a true inotify cookie match.
package watcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	dirMoveTimeout  = 1 * time.Second
	fileMoveTimeout = 250 * time.Millisecond
	deleteDebounce  = 250 * time.Millisecond
	writeDebounce   = 250 * time.Millisecond
)

var validGcodeExts = map[string]bool{
	".gcode": true, ".g": true, ".gco": true, ".ufp": true, ".nc": true,
}

// EventKind names one of the change events spec.md §4.12 defines.
type EventKind string

const (
	EventCreateDir  EventKind = "create_dir"
	EventDeleteDir  EventKind = "delete_dir"
	EventMoveDir    EventKind = "move_dir"
	EventCreateFile EventKind = "create_file"
	EventModifyFile EventKind = "modify_file"
	EventDeleteFile EventKind = "delete_file"
	EventMoveFile   EventKind = "move_file"
)

// Event is one demultiplexed, debounced change notification.
type Event struct {
	Kind    EventKind
	Root    string
	Path    string // root-relative
	OldPath string // for moves
	IsDir   bool
}

// Sink receives emitted events; normally *eventbus.Bus.Emit("file_manager:...").
type Sink func(Event)

// Watcher wraps fsnotify with the debounce/cookie-correlation state
// machine spec.md §4.12 describes.
type Watcher struct {
	log  zerolog.Logger
	fsw  *fsnotify.Watcher
	sink Sink

	rootName string
	rootPath string

	mu            sync.Mutex
	watchedDirs   map[string]bool        // abs path -> is a watched directory
	pendingWrite  map[string]*time.Timer // path -> write-close debounce
	pendingDelete map[string][]string    // dir -> queued basenames
	deleteTimers  map[string]*time.Timer
	removedBase   map[string]removedEntry // basename -> info, for move correlation

	stopCh chan struct{}
}

type removedEntry struct {
	path  string
	isDir bool
	timer *time.Timer
}

// New creates a watcher over root (rootName, rootPath), emitting events
// to sink. Only gcode-valid extensions are tracked for file events when
// rootName is "gcodes"; other roots only track directory structure.
func New(log zerolog.Logger, rootName, rootPath string, sink Sink) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		log:           log.With().Str("component", "watcher").Str("root", rootName).Logger(),
		fsw:           fsw,
		sink:          sink,
		rootName:      rootName,
		rootPath:      rootPath,
		watchedDirs:   make(map[string]bool),
		pendingWrite:  make(map[string]*time.Timer),
		pendingDelete: make(map[string][]string),
		deleteTimers:  make(map[string]*time.Timer),
		removedBase:   make(map[string]removedEntry),
		stopCh:        make(chan struct{}),
	}

	if err := w.addTree(rootPath); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	seen := make(map[[2]uint64]bool)
	return w.walk(dir, seen)
}

func (w *Watcher) walk(dir string, seen map[[2]uint64]bool) error {
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.watchedDirs[dir] = true
	w.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !e.IsDir() {
			continue
		}
		child := filepath.Join(dir, e.Name())
		if key, ok := deviceInode(child); ok {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		if err := w.walk(child, seen); err != nil {
			w.log.Warn().Err(err).Str("path", child).Msg("failed to watch subdirectory")
		}
	}
	return nil
}

// Close stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) relPath(abs string) string {
	rel, err := filepath.Rel(w.rootPath, abs)
	if err != nil {
		return abs
	}
	return rel
}

func (w *Watcher) handle(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return
	}

	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case ev.Has(fsnotify.Create):
		w.handleCreate(ev.Name, isDir)
	case ev.Has(fsnotify.Remove):
		w.handleRemove(ev.Name, base)
	case ev.Has(fsnotify.Rename):
		// fsnotify reports a rename as a Rename on the old path; the new
		// path, if within a watched directory, arrives as a separate
		// Create. Treat it like Remove for cookie correlation purposes.
		w.handleRemove(ev.Name, base)
	case ev.Has(fsnotify.Write):
		w.handleWrite(ev.Name, isDir)
	}
}

func (w *Watcher) handleCreate(path string, isDir bool) {
	base := filepath.Base(path)

	w.mu.Lock()
	removed, hadRemoved := w.removedBase[base]
	if hadRemoved {
		removed.timer.Stop()
		delete(w.removedBase, base)
	}
	w.mu.Unlock()

	if isDir {
		if err := w.addTree(path); err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("failed to watch new directory")
		}
		if hadRemoved && removed.isDir {
			w.sink(Event{Kind: EventMoveDir, Root: w.rootName, Path: w.relPath(path), OldPath: w.relPath(removed.path), IsDir: true})
			return
		}
		w.sink(Event{Kind: EventCreateDir, Root: w.rootName, Path: w.relPath(path), IsDir: true})
		return
	}

	if !w.trackFile(path) {
		return
	}

	if hadRemoved && !removed.isDir {
		w.sink(Event{Kind: EventMoveFile, Root: w.rootName, Path: w.relPath(path), OldPath: w.relPath(removed.path)})
		w.scheduleMetadata(path)
		return
	}

	w.mu.Lock()
	w.pendingWrite[path] = time.AfterFunc(writeDebounce, func() {
		w.promoteWriteClose(path, EventCreateFile)
	})
	w.mu.Unlock()
}

func (w *Watcher) handleWrite(path string, isDir bool) {
	if isDir || !w.trackFile(path) {
		return
	}

	w.mu.Lock()
	if t, ok := w.pendingWrite[path]; ok {
		t.Stop()
		w.pendingWrite[path] = time.AfterFunc(writeDebounce, func() {
			w.promoteWriteClose(path, EventCreateFile)
		})
	} else {
		w.pendingWrite[path] = time.AfterFunc(writeDebounce, func() {
			w.promoteWriteClose(path, EventModifyFile)
		})
	}
	w.mu.Unlock()
}

func (w *Watcher) promoteWriteClose(path string, kind EventKind) {
	w.mu.Lock()
	delete(w.pendingWrite, path)
	w.mu.Unlock()

	if strings.EqualFold(filepath.Ext(path), ".ufp") {
		if err := w.unzipUFP(path); err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("failed to unzip UFP file")
		}
		return
	}

	w.sink(Event{Kind: kind, Root: w.rootName, Path: w.relPath(path)})
	w.scheduleMetadata(path)
}

func (w *Watcher) scheduleMetadata(path string) {
	// Metadata extraction scheduling is wired by the file_manager
	// component via its own event-bus subscription to create_file/
	// modify_file; the watcher only emits the event.
}

func (w *Watcher) handleRemove(path, base string) {
	w.mu.Lock()
	isDir := w.watchedDirs[path]
	if isDir {
		delete(w.watchedDirs, path)
	}
	w.mu.Unlock()

	timeout := fileMoveTimeout
	if isDir {
		timeout = dirMoveTimeout
	}
	// The fsnotify watch on a removed directory is already gone from the
	// kernel's perspective; nothing further to release here.

	w.mu.Lock()
	w.removedBase[base] = removedEntry{
		path:  path,
		isDir: isDir,
		timer: time.AfterFunc(timeout, func() { w.finalizeRemoval(base, path, isDir) }),
	}
	if t, ok := w.pendingWrite[path]; ok {
		t.Stop()
		delete(w.pendingWrite, path)
	}
	w.mu.Unlock()
}

func (w *Watcher) finalizeRemoval(base, path string, isDir bool) {
	w.mu.Lock()
	if _, ok := w.removedBase[base]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.removedBase, base)
	w.mu.Unlock()

	if isDir {
		w.sink(Event{Kind: EventDeleteDir, Root: w.rootName, Path: w.relPath(path), IsDir: true})
		return
	}
	if !w.trackFile(path) {
		return
	}
	w.batchDelete(path)
}

func (w *Watcher) batchDelete(path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	w.pendingDelete[dir] = append(w.pendingDelete[dir], path)
	if t, ok := w.deleteTimers[dir]; ok {
		t.Stop()
	}
	w.deleteTimers[dir] = time.AfterFunc(deleteDebounce, func() { w.flushDeleteBatch(dir) })
	w.mu.Unlock()
}

func (w *Watcher) flushDeleteBatch(dir string) {
	w.mu.Lock()
	paths := w.pendingDelete[dir]
	delete(w.pendingDelete, dir)
	delete(w.deleteTimers, dir)
	w.mu.Unlock()

	for _, p := range paths {
		w.sink(Event{Kind: EventDeleteFile, Root: w.rootName, Path: w.relPath(p)})
	}
}

func (w *Watcher) trackFile(path string) bool {
	if w.rootName != "gcodes" {
		return false
	}
	return validGcodeExts[strings.ToLower(filepath.Ext(path))]
}

// unzipUFP expands a .ufp archive into a sibling .gcode file and, if
// present, its embedded thumbnail into thumbs/<name>.png, then removes
// the .ufp, per spec.md §4.12.
func (w *Watcher) unzipUFP(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	base := strings.TrimSuffix(path, filepath.Ext(path))
	gcodeOut := base + ".gcode"
	thumbDir := filepath.Join(filepath.Dir(path), "thumbs")

	for _, f := range r.File {
		switch {
		case strings.EqualFold(filepath.Base(f.Name), "3dmodel.gcode") || strings.EqualFold(filepath.Ext(f.Name), ".gcode"):
			if err := extractZipEntry(f, gcodeOut); err != nil {
				return err
			}
			w.sink(Event{Kind: EventCreateFile, Root: w.rootName, Path: w.relPath(gcodeOut)})
			w.scheduleMetadata(gcodeOut)
		case strings.EqualFold(f.Name, "Metadata/thumbnail.png"):
			if err := os.MkdirAll(thumbDir, 0o755); err == nil {
				_ = extractZipEntry(f, filepath.Join(thumbDir, filepath.Base(base)+".png"))
			}
		}
	}

	return os.Remove(path)
}

func extractZipEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
