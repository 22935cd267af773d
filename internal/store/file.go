package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "mutemebot/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.users.json
//   - <prefix>.events.json
//
// Both files hold a full map and are rewritten atomically (tmp + rename) on
// every Save.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	usersPath  string
	eventsPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileStore{
		log:        log,
		usersPath:  prefix + ".users.json",
		eventsPath: prefix + ".events.json",
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Load(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	st := NewState()
	if s.closed {
		return st, ErrClosed
	}

	if err := loadJSONMap(s.usersPath, &st.Users); err != nil {
		s.log.Warn("users file unreadable; starting empty", logx.String("path", s.usersPath), logx.Err(err))
		st.Users = map[int64]*User{}
	}
	if err := loadJSONMap(s.eventsPath, &st.Events); err != nil {
		s.log.Warn("events file unreadable; starting empty", logx.String("path", s.eventsPath), logx.Err(err))
		st.Events = map[string]*Event{}
	}
	return st, nil
}

func (s *fileStore) Save(ctx context.Context, st State) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := writeJSONAtomic(s.usersPath, st.Users); err != nil {
		return err
	}
	return writeJSONAtomic(s.eventsPath, st.Events)
}

func loadJSONMap(path string, out any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
