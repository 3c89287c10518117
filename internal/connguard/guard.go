// Package connguard implements slotd access control: the allow-list of
// identities permitted to authenticate and the ban set of peer addresses that
// presented an identity outside it.
package connguard

import (
	"net"
	"slices"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/slotd/internal/svcfields"
)

// Guard stores the allow-list and the ban set. Bans are keyed by host so a
// peer cannot escape a ban by reconnecting from another source port.
type Guard struct {
	logger  pslog.Logger
	allowed map[string]struct{}

	mu     sync.RWMutex
	banned map[string]struct{}
}

// New constructs a guard for the supplied allow-list. The list is copied and
// never mutated afterwards.
func New(allowed []string, logger pslog.Logger) *Guard {
	set := make(map[string]struct{}, len(allowed))
	for _, identity := range allowed {
		set[identity] = struct{}{}
	}
	return &Guard{
		logger:  svcfields.WithSubsystem(logger, "server.connguard"),
		allowed: set,
		banned:  make(map[string]struct{}),
	}
}

// Allowed reports whether identity may authenticate.
func (g *Guard) Allowed(identity string) bool {
	_, ok := g.allowed[identity]
	return ok
}

// AllowedIdentities returns the allow-list in sorted order.
func (g *Guard) AllowedIdentities() []string {
	out := make([]string, 0, len(g.allowed))
	for identity := range g.allowed {
		out = append(out, identity)
	}
	slices.Sort(out)
	return out
}

// Banned reports whether the remote address has been banned.
func (g *Guard) Banned(remote string) bool {
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.banned[host]
	return ok
}

// Ban adds the remote address to the ban set. It returns false when the
// address was already banned or cannot be normalised.
func (g *Guard) Ban(remote, identity string) bool {
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.banned[host]; ok {
		return false
	}
	g.banned[host] = struct{}{}
	g.logger.Warn("slotd.connguard.banned",
		svcfields.KeyRemote, host,
		svcfields.KeyIdentity, identity,
		"bans", len(g.banned))
	return true
}

// BannedHosts returns the ban set in sorted order.
func (g *Guard) BannedHosts() []string {
	g.mu.RLock()
	out := make([]string, 0, len(g.banned))
	for host := range g.banned {
		out = append(out, host)
	}
	g.mu.RUnlock()
	slices.Sort(out)
	return out
}

// normalizeRemoteAddr extracts just the host component.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}
