package whatsapp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/paths"
)

// lidMapPath names the per-account reverse mapping file under the
// credentials directory.
func lidMapPath(accountUser string) string {
	return filepath.Join(paths.CredentialsDir(), fmt.Sprintf("lid-mapping-%s_reverse.json", accountUser))
}

// lidMap resolves the backend's hidden linked-id senders back to phone
// numbers. The mapping file is shared with external tooling, so edits
// on disk are picked up live; mappings observed on the wire (messages
// carrying both addressing forms) are learned and written back.
type lidMap struct {
	path string

	mu    sync.RWMutex
	byLID map[string]string // lid user -> phone digits

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	running bool
}

func newLIDMap(path string) *lidMap {
	m := &lidMap{
		path:   path,
		byLID:  make(map[string]string),
		stopCh: make(chan struct{}),
	}
	if err := m.load(); err != nil && !os.IsNotExist(err) {
		L_warn("wa-web: failed to load lid mapping", "path", path, "error", err)
	}
	return m
}

// load replaces the in-memory table from disk. Keys and values may
// carry JID server suffixes or a leading +, both are tolerated.
func (m *lidMap) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}

	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse %s: %w", m.path, err)
	}

	table := make(map[string]string, len(raw))
	for lid, phone := range raw {
		lid = bareUser(lid)
		phone = bareUser(phone)
		if lid == "" || phone == "" {
			continue
		}
		table[lid] = phone
	}

	m.mu.Lock()
	m.byLID = table
	m.mu.Unlock()

	L_debug("wa-web: lid mapping loaded", "path", m.path, "entries", len(table))
	return nil
}

// Resolve returns the +E164 phone for a LID user, if known.
func (m *lidMap) Resolve(lidUser string) (string, bool) {
	lidUser = bareUser(lidUser)

	m.mu.RLock()
	phone, ok := m.byLID[lidUser]
	m.mu.RUnlock()

	if !ok || phone == "" {
		return "", false
	}
	return "+" + phone, true
}

// Learn records a LID->phone pairing observed on the wire and persists
// the table when the entry is new or changed.
func (m *lidMap) Learn(lidUser, phone string) {
	lidUser = bareUser(lidUser)
	phone = bareUser(phone)
	if lidUser == "" || phone == "" {
		return
	}

	m.mu.Lock()
	if m.byLID[lidUser] == phone {
		m.mu.Unlock()
		return
	}
	m.byLID[lidUser] = phone
	snapshot := make(map[string]string, len(m.byLID))
	for k, v := range m.byLID {
		snapshot[k] = v
	}
	m.mu.Unlock()

	L_debug("wa-web: learned lid mapping", "lid", lidUser, "phone", phone)
	if err := writeLIDFile(m.path, snapshot); err != nil {
		L_warn("wa-web: failed to persist lid mapping", "path", m.path, "error", err)
	}
}

// Len returns the number of known mappings.
func (m *lidMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byLID)
}

// Watch starts picking up external edits to the mapping file. fsnotify
// watches the directory since editors replace files by rename.
func (m *lidMap) Watch() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		m.mu.Unlock()
		return err
	}
	m.watcher = watcher
	m.running = true
	m.mu.Unlock()

	go m.watchLoop()
	return nil
}

func (m *lidMap) watchLoop() {
	targetFile := filepath.Base(m.path)

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != targetFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				L_trace("wa-web: lid mapping changed on disk, reloading")
				if err := m.load(); err != nil && !os.IsNotExist(err) {
					L_warn("wa-web: lid mapping reload failed", "error", err)
				}
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			L_warn("wa-web: lid mapping watcher error", "error", err)
		}
	}
}

// Close stops the watcher. The in-memory table stays usable.
func (m *lidMap) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	close(m.stopCh)
	m.watcher.Close()
	m.running = false
}

func writeLIDFile(path string, table map[string]string) error {
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// bareUser strips JID server suffixes, device suffixes and a leading +
// so map entries compare by digits alone.
func bareUser(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
