// Package auth implements API-key and trusted-connection authorization,
// grounded on spec.md §4.5 and the original authorization.py semantics:
// a single static API key plus a trusted-IP/range allowlist with a
// time-bounded connection cache, and short-lived one-shot tokens for
// clients that cannot send a custom header (e.g. <img> tags).
package auth

import (
	"crypto/rand"
	"encoding/base32"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

const (
	tokenTimeout      = 5 * time.Second
	connectionTimeout = 1 * time.Hour
	pruneCheckPeriod  = 5 * time.Minute
)

// Config is the subset of the gateway's authorization settings the guard
// needs to operate, independent of the config package to keep this
// package importable without a cycle.
type Config struct {
	RequireAuth   bool
	TrustedIPs    []string
	TrustedRanges []string
	APIKeyFile    string
	EnableCORS    bool
}

// Guard enforces spec.md §4.5's check_authorized decision: disabled auth,
// a trusted connection, a matching API key header, or a live one-shot
// token all grant access.
type Guard struct {
	log zerolog.Logger

	apiKeyPath string

	mu            sync.Mutex
	requireAuth   bool
	apiKey        string
	trustedIPs    map[string]bool
	trustedRanges map[string]bool
	trustedConns  map[string]time.Time
	tokens        map[string]time.Time

	enableCORS bool

	stopCh chan struct{}
}

// New loads or creates the API key file and starts the connection pruner.
func New(log zerolog.Logger, cfg Config) (*Guard, error) {
	g := &Guard{
		log:           log.With().Str("component", "auth").Logger(),
		apiKeyPath:    expandHome(cfg.APIKeyFile),
		requireAuth:   cfg.RequireAuth,
		trustedIPs:    toSet(cfg.TrustedIPs),
		trustedRanges: toSet(cfg.TrustedRanges),
		trustedConns:  make(map[string]time.Time),
		tokens:        make(map[string]time.Time),
		enableCORS:    cfg.EnableCORS,
		stopCh:        make(chan struct{}),
	}

	key, err := g.readOrCreateAPIKey()
	if err != nil {
		return nil, err
	}
	g.apiKey = key

	go g.pruneLoop()
	return g, nil
}

// Close stops the background pruner.
func (g *Guard) Close() error {
	close(g.stopCh)
	return nil
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func (g *Guard) readOrCreateAPIKey() (string, error) {
	data, err := os.ReadFile(g.apiKeyPath)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", gwerr.IO(err, "reading api key file")
	}
	g.log.Info().Str("path", g.apiKeyPath).Msg("no api key file found, creating one")
	return g.RotateAPIKey()
}

// RotateAPIKey generates a fresh API key (a uuid4 hex string, matching
// the original's format) and writes it to the key file.
func (g *Guard) RotateAPIKey() (string, error) {
	key := strings.ReplaceAll(uuid.New().String(), "-", "")
	if dir := filepath.Dir(g.apiKeyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", gwerr.IO(err, "creating api key directory")
		}
	}
	if err := os.WriteFile(g.apiKeyPath, []byte(key), 0o600); err != nil {
		return "", gwerr.IO(err, "writing api key file")
	}
	g.mu.Lock()
	g.apiKey = key
	g.mu.Unlock()
	return key, nil
}

// APIKey returns the current API key.
func (g *Guard) APIKey() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.apiKey
}

// IssueOneShotToken creates a token valid for tokenTimeout, for clients
// (image tags, downloads) that cannot set a header, per spec.md §4.5.
func (g *Guard) IssueOneShotToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", gwerr.Internal(err, "generating token")
	}
	token := base32.StdEncoding.EncodeToString(buf)

	g.mu.Lock()
	g.tokens[token] = time.Now().Add(tokenTimeout)
	g.mu.Unlock()
	return token, nil
}

func (g *Guard) checkToken(token string) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	expiry, ok := g.tokens[token]
	if !ok {
		return false
	}
	delete(g.tokens, token)
	return time.Now().Before(expiry)
}

// trustedRangeOf mirrors the original's `ip[:ip.rfind('.')]`: the address
// with its final dotted octet removed.
func trustedRangeOf(ip string) string {
	idx := strings.LastIndex(ip, ".")
	if idx < 0 {
		return ip
	}
	return ip[:idx]
}

func (g *Guard) checkTrustedConnection(ip string) bool {
	if ip == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.trustedConns[ip]; ok {
		g.trustedConns[ip] = time.Now()
		return true
	}
	if g.trustedIPs[ip] || g.trustedRanges[trustedRangeOf(ip)] {
		g.log.Info().Str("ip", ip).Msg("trusted connection detected")
		g.trustedConns[ip] = time.Now()
		return true
	}
	return false
}

// CheckAuthorized implements spec.md §4.5's decision order: disabled
// auth, trusted connection, API key header, then one-shot token.
func (g *Guard) CheckAuthorized(r *http.Request) bool {
	g.mu.Lock()
	enabled := g.requireAuth
	key := g.apiKey
	g.mu.Unlock()

	if !enabled {
		return true
	}

	ip := remoteIP(r)
	if g.checkTrustedConnection(ip) {
		return true
	}

	if hdr := r.Header.Get("X-Api-Key"); hdr != "" && hdr == key {
		return true
	}

	if g.checkToken(r.URL.Query().Get("token")) {
		return true
	}
	return false
}

func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}

// ApplyCORSHeaders sets the response CORS headers when CORS is enabled in
// configuration, matching the original's static header set.
func (g *Guard) ApplyCORSHeaders(w http.ResponseWriter) {
	if !g.enableCORS {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Accept, Content-Type, X-Requested-With, X-CSRF-Token")
}

// pruneLoop drops trusted connections idle for longer than
// connectionTimeout, per spec.md §4.5.
func (g *Guard) pruneLoop() {
	ticker := time.NewTicker(pruneCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.pruneExpired()
		}
	}
}

func (g *Guard) pruneExpired() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, last := range g.trustedConns {
		if now.Sub(last) > connectionTimeout {
			delete(g.trustedConns, ip)
			g.log.Info().Str("ip", ip).Msg("trusted connection expired")
		}
	}
}

// ReloadTrustedConnections re-scopes cached trusted connections against a
// new set of trusted IPs/ranges, dropping any that no longer qualify, per
// the original's load_config/_reset_trusted_connections behavior.
func (g *Guard) ReloadTrustedConnections(trustedIPs, trustedRanges []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.trustedIPs = toSet(trustedIPs)
	g.trustedRanges = toSet(trustedRanges)

	for ip := range g.trustedConns {
		if !g.trustedIPs[ip] && !g.trustedRanges[trustedRangeOf(ip)] {
			delete(g.trustedConns, ip)
			g.log.Info().Str("ip", ip).Msg("connection no longer trusted, removing")
		}
	}
}
