// Package fsroots implements the virtual filesystem of named file roots
// (gcodes, config, logs, ...) described in spec.md §4.10: directory
// registration, escape-safe path resolution, enriched listings, and
// move/copy semantics gated by an in-use guard.
package fsroots

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

// AccessMode is a root's read/read-write permission.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	ReadWrite
)

// writableRoots are the only root names permitted ReadWrite, per
// spec.md §3.
var writableRoots = map[string]bool{"gcodes": true, "config": true}

// Root is one registered named directory.
type Root struct {
	Name   string
	Path   string
	Access AccessMode
}

// InUseChecker reports whether path is the file currently loaded by the
// printer host, consulted before destructive operations on gcodes.
type InUseChecker interface {
	IsFileInUse(path string) bool
}

// MetadataLookup merges cached gcode metadata fields into directory
// listings when extended=true, per spec.md §4.10.
type MetadataLookup interface {
	Lookup(relPath string) (map[string]any, bool)
}

// Manager owns the registered file roots and implements spec.md §4.10's
// listing/move/copy/delete operations over them.
type Manager struct {
	log zerolog.Logger

	roots map[string]*Root

	inUse    InUseChecker
	metadata MetadataLookup
}

// New builds an empty Manager. inUse and metadata may be nil until the
// host session and metadata cache components finish loading; both are
// consulted defensively.
func New(log zerolog.Logger) *Manager {
	return &Manager{
		log:   log.With().Str("component", "fsroots").Logger(),
		roots: make(map[string]*Root),
	}
}

// SetInUseChecker wires the in-use guard after the host session loads.
func (m *Manager) SetInUseChecker(c InUseChecker) { m.inUse = c }

// SetMetadataLookup wires the metadata cache after it loads.
func (m *Manager) SetMetadataLookup(l MetadataLookup) { m.metadata = l }

// RegisterDirectory resolves symlinks, creates the directory if it does
// not exist, verifies it is accessible, and registers it under name. A second call for the same
// name replaces the previous path, per spec.md §3.
func (m *Manager) RegisterDirectory(name, path string, access AccessMode) error {
	if access == ReadWrite && !writableRoots[name] {
		return gwerr.Config("root %q may not be read-write", name)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return gwerr.Config("registering root %q: %v", name, err)
		}
		resolved = path
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return gwerr.Config("root %q: %v", name, err)
	}
	if !info.IsDir() {
		return gwerr.Config("root %q: %s is not a directory", name, resolved)
	}

	if access == ReadWrite {
		probe := filepath.Join(resolved, ".moonbridge-write-probe")
		if f, err := os.Create(probe); err != nil {
			return gwerr.Config("root %q is not writable: %v", name, err)
		} else {
			f.Close()
			os.Remove(probe)
		}
	}

	m.roots[name] = &Root{Name: name, Path: resolved, Access: access}
	m.log.Info().Str("root", name).Str("path", resolved).Msg("registered file root")
	return nil
}

// Root returns the registered root by name.
func (m *Manager) Root(name string) (*Root, bool) {
	r, ok := m.roots[name]
	return r, ok
}

// Roots returns all registered roots.
func (m *Manager) Roots() []*Root {
	out := make([]*Root, 0, len(m.roots))
	for _, r := range m.roots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve maps a root-relative path to an absolute filesystem path,
// rejecting any attempt to escape the root directory via "..".
func (m *Manager) Resolve(root, relPath string) (string, error) {
	r, ok := m.roots[root]
	if !ok {
		return "", gwerr.NotFound("unknown root %q", root)
	}

	cleanRel := filepath.Clean("/" + relPath)[1:]
	full := filepath.Join(r.Path, cleanRel)

	rel, err := filepath.Rel(r.Path, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", gwerr.Client(400, "path escapes root %q", root)
	}
	return full, nil
}

// Entry is one listing entry.
type Entry struct {
	Path     string // root-relative
	IsDir    bool
	Size     int64
	Modified time.Time
	Metadata map[string]any
}

// DiskUsage mirrors spec.md §4.10's attached disk_usage block, formatted
// with humanize the way the pack's other_examples use it for size fields.
type DiskUsage struct {
	Total string
	Used  string
	Free  string

	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
}

// List returns the contents of root/relPath. When extended and root is
// "gcodes", each file entry with a recognized gcode extension is merged
// with cached metadata fields, per spec.md §4.10.
func (m *Manager) List(root, relPath string, extended bool) ([]Entry, DiskUsage, error) {
	full, err := m.Resolve(root, relPath)
	if err != nil {
		return nil, DiskUsage{}, err
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, DiskUsage{}, gwerr.NotFound("listing %s: %v", full, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entryRel := filepath.Join(relPath, de.Name())
		e := Entry{Path: entryRel, IsDir: de.IsDir(), Size: info.Size(), Modified: info.ModTime()}

		if extended && root == "gcodes" && !de.IsDir() && isValidGcodeExt(de.Name()) && m.metadata != nil {
			if fields, ok := m.metadata.Lookup(entryRel); ok {
				e.Metadata = fields
			}
		}
		entries = append(entries, e)
	}

	du, err := diskUsage(full)
	if err != nil {
		m.log.Warn().Err(err).Str("path", full).Msg("disk usage unavailable")
	}
	return entries, du, nil
}

// validGcodeExts mirrors the original's VALID_GCODE_EXTS list exactly.
var validGcodeExts = map[string]bool{
	".gcode": true, ".g": true, ".gco": true, ".ufp": true, ".nc": true,
}

func isValidGcodeExt(name string) bool {
	return validGcodeExts[strings.ToLower(filepath.Ext(name))]
}

// Move relocates a file or directory between root-relative paths. The
// destination root must be read-write; the source root must be
// read-write as well, since a move deletes the source. Uses rename when
// source and destination share a filesystem, falling back to copy+remove
// across roots on different devices, per spec.md §4.10.
func (m *Manager) Move(srcRoot, srcPath, dstRoot, dstPath string) error {
	dst, err := m.writableTarget(dstRoot, dstPath)
	if err != nil {
		return err
	}
	src, err := m.Resolve(srcRoot, srcPath)
	if err != nil {
		return err
	}
	sr, ok := m.roots[srcRoot]
	if !ok || sr.Access != ReadWrite {
		return gwerr.Forbidden("source root %q is not writable", srcRoot)
	}

	if m.pathInUse(dst) {
		return gwerr.Forbidden("File currently in use")
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyPath(src, dst); err != nil {
		return gwerr.IO(err, "moving %s to %s", src, dst)
	}
	return os.RemoveAll(src)
}

// Copy duplicates a file or directory, recursing for directories and
// preserving modification times for files, per spec.md §4.10.
func (m *Manager) Copy(srcRoot, srcPath, dstRoot, dstPath string) error {
	dst, err := m.writableTarget(dstRoot, dstPath)
	if err != nil {
		return err
	}
	src, err := m.Resolve(srcRoot, srcPath)
	if err != nil {
		return err
	}
	if m.pathInUse(dst) {
		return gwerr.Forbidden("File currently in use")
	}
	return copyPath(src, dst)
}

// Delete removes a file or, recursively, a directory. force is required
// to remove a non-empty directory. The in-use guard blocks deleting the
// file (or a directory containing the file) currently loaded for print.
func (m *Manager) Delete(root, relPath string, force bool) error {
	r, ok := m.roots[root]
	if !ok || r.Access != ReadWrite {
		return gwerr.Forbidden("root %q is not writable", root)
	}
	full, err := m.Resolve(root, relPath)
	if err != nil {
		return err
	}

	if m.pathInUse(full) {
		return gwerr.Forbidden("File currently in use")
	}

	info, err := os.Stat(full)
	if err != nil {
		return gwerr.NotFound("%s: %v", full, err)
	}
	if info.IsDir() {
		if !force {
			entries, _ := os.ReadDir(full)
			if len(entries) > 0 {
				return gwerr.Client(400, "directory not empty, use force=true")
			}
		}
		return os.RemoveAll(full)
	}
	return os.Remove(full)
}

func (m *Manager) writableTarget(root, relPath string) (string, error) {
	r, ok := m.roots[root]
	if !ok || r.Access != ReadWrite {
		return "", gwerr.Forbidden("destination root %q is not writable", root)
	}
	return m.Resolve(root, relPath)
}

func (m *Manager) pathInUse(path string) bool {
	if m.inUse == nil {
		return false
	}
	return m.inUse.IsFileInUse(path)
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst, info)
	}
	return copyFile(src, dst, info)
}

func copyDir(src, dst string, info os.FileInfo) error {
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childInfo, err := e.Info()
		if err != nil {
			return err
		}
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if err := copyPath(s, d); err != nil {
			return err
		}
		_ = childInfo
	}
	return nil
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
