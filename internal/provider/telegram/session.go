package telegram

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/gotd/td/session"

	"github.com/clawdis/warelay/internal/paths"
)

// sessionStorage persists the MTProto auth key and server state as a
// single file under the config dir. Surrounding whitespace is trimmed
// on load so a hand-copied token with a trailing newline still works.
type sessionStorage struct {
	path string
}

var _ session.Storage = (*sessionStorage)(nil)

func newSessionStorage() *sessionStorage {
	return &sessionStorage{path: paths.TelegramSessionFile()}
}

func (s *sessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", s.path, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, session.ErrNotFound
	}
	return data, nil
}

func (s *sessionStorage) StoreSession(ctx context.Context, data []byte) error {
	if err := paths.EnsureParentDir(s.path); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file %s: %w", s.path, err)
	}
	return nil
}
