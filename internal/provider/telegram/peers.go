package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gotd/td/tg"

	"github.com/clawdis/warelay/internal/identify"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/paths"
)

func peerCachePath() string {
	return filepath.Join(paths.ConfigDir(), "telegram", "peers.json")
}

type peerEntry struct {
	AccessHash int64  `json:"accessHash"`
	Username   string `json:"username,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// peerCache maps user ids to access hashes so decimal-id recipients
// stay sendable across restarts. MTProto refuses to address a user
// without the hash, which only ever arrives alongside a full user
// entity. Entries are learned from updates and resolutions and written
// through on change.
type peerCache struct {
	path string

	mu    sync.RWMutex
	users map[int64]peerEntry
}

func newPeerCache(path string) *peerCache {
	c := &peerCache{path: path, users: make(map[int64]peerEntry)}
	if err := c.load(); err != nil && !os.IsNotExist(err) {
		L_warn("telegram: failed to load peer cache", "path", path, "error", err)
	}
	return c
}

func (c *peerCache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var raw struct {
		Users map[int64]peerEntry `json:"users"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.users = make(map[int64]peerEntry, len(raw.Users))
	for id, entry := range raw.Users {
		if id > 0 {
			c.users[id] = entry
		}
	}
	count := len(c.users)
	c.mu.Unlock()

	L_debug("telegram: peer cache loaded", "path", c.path, "entries", count)
	return nil
}

// remember stores a full user entity. Min-entity users are skipped,
// their access hashes are not valid for addressing.
func (c *peerCache) remember(u *tg.User) {
	if u == nil || u.ID == 0 || u.Min {
		return
	}
	hash, ok := u.GetAccessHash()
	if !ok {
		return
	}
	entry := peerEntry{
		AccessHash: hash,
		Username:   strings.ToLower(u.Username),
		Phone:      u.Phone,
	}

	c.mu.Lock()
	if c.users[u.ID] == entry {
		c.mu.Unlock()
		return
	}
	c.users[u.ID] = entry
	snapshot := make(map[int64]peerEntry, len(c.users))
	for id, e := range c.users {
		snapshot[id] = e
	}
	c.mu.Unlock()

	if err := writePeerFile(c.path, snapshot); err != nil {
		L_warn("telegram: failed to persist peer cache", "path", c.path, "error", err)
	}
}

func (c *peerCache) lookup(id int64) (peerEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.users[id]
	return entry, ok
}

func writePeerFile(path string, users map[int64]peerEntry) error {
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(struct {
		Users map[int64]peerEntry `json:"users"`
	}{Users: users}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// resolvePeer turns a recipient in any accepted form into an
// addressable input peer: @username, E.164 phone, decimal user id, or
// a bare name. The telegram: namespace prefix is stripped first. A raw
// form that fails outright is retried once as a username.
func (p *Provider) resolvePeer(ctx context.Context, to string) (tg.InputPeerClass, int64, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(to), identify.TelegramPrefix))
	if raw == "" {
		return nil, 0, fmt.Errorf("empty recipient")
	}

	peer, id, viaUsername, err := p.resolveRaw(ctx, raw)
	if err == nil {
		return peer, id, nil
	}
	if !viaUsername {
		if peer, id, retryErr := p.resolveUsername(ctx, raw); retryErr == nil {
			return peer, id, nil
		}
	}
	return nil, 0, err
}

func (p *Provider) resolveRaw(ctx context.Context, raw string) (tg.InputPeerClass, int64, bool, error) {
	switch {
	case strings.HasPrefix(raw, "@"):
		peer, id, err := p.resolveUsername(ctx, raw)
		return peer, id, true, err

	case strings.HasPrefix(raw, "+"):
		phone, err := identify.CanonicalPhone(raw)
		if err != nil {
			return nil, 0, false, err
		}
		peer, id, err := p.resolvePhone(ctx, strings.TrimPrefix(phone, "+"))
		return peer, id, false, err

	case isDecimal(raw):
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, 0, false, fmt.Errorf("invalid user id %q", raw)
		}
		entry, ok := p.peerLookup(id)
		if !ok {
			return nil, 0, false, fmt.Errorf("user id %d is not in the peer cache; have them message you once or use their @username", id)
		}
		return &tg.InputPeerUser{UserID: id, AccessHash: entry.AccessHash}, id, false, nil

	default:
		peer, id, err := p.resolveUsername(ctx, raw)
		return peer, id, true, err
	}
}

func (p *Provider) resolveUsername(ctx context.Context, name string) (tg.InputPeerClass, int64, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	if name == "" {
		return nil, 0, fmt.Errorf("empty username")
	}
	api := p.apiClient()
	if api == nil {
		return nil, 0, fmt.Errorf("not connected")
	}

	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if err != nil {
		return nil, 0, fmt.Errorf("resolve @%s: %w", name, err)
	}
	return p.peerFromResolved(resolved)
}

func (p *Provider) resolvePhone(ctx context.Context, digits string) (tg.InputPeerClass, int64, error) {
	api := p.apiClient()
	if api == nil {
		return nil, 0, fmt.Errorf("not connected")
	}

	resolved, err := api.ContactsResolvePhone(ctx, digits)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve +%s: %w", digits, err)
	}
	return p.peerFromResolved(resolved)
}

// peerFromResolved extracts the user entity matching the resolved peer
// and remembers it so later decimal-id sends skip the round trip.
func (p *Provider) peerFromResolved(resolved *tg.ContactsResolvedPeer) (tg.InputPeerClass, int64, error) {
	peerUser, ok := resolved.Peer.(*tg.PeerUser)
	if !ok {
		return nil, 0, fmt.Errorf("resolved to %T, only direct users are supported", resolved.Peer)
	}
	for _, uc := range resolved.Users {
		u, ok := uc.(*tg.User)
		if !ok || u.ID != peerUser.UserID {
			continue
		}
		p.rememberUser(u)
		hash, _ := u.GetAccessHash()
		return &tg.InputPeerUser{UserID: u.ID, AccessHash: hash}, u.ID, nil
	}
	return nil, 0, fmt.Errorf("resolved peer %d carries no user entity", peerUser.UserID)
}

func (p *Provider) peerLookup(id int64) (peerEntry, bool) {
	p.mu.RLock()
	peers := p.peers
	p.mu.RUnlock()
	if peers == nil {
		return peerEntry{}, false
	}
	return peers.lookup(id)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
