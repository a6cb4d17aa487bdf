// Package state persists which provider origins may mount file systems.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"vfsprovider/vfs"
)

// AnyOrigin, when granted, lets every origin mount.
const AnyOrigin = "*"

var _ vfs.Authorizer = (*Store)(nil)

// Grant records that an origin may provide file systems.
type Grant struct {
	Origin    string    `json:"origin"`
	GrantedAt time.Time `json:"granted_at"`
	// Note is free text shown in listings, e.g. who added the grant.
	Note string `json:"note,omitempty"`
}

// Store manages origin grants, persisted to a JSON file.
type Store struct {
	Path   string
	grants map[string]*Grant
	mu     sync.RWMutex
}

// NewStore creates a new Store. If path is empty, defaults to
// ~/.vfsprovider/grants.json.
func NewStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		path = filepath.Join(home, ".vfsprovider", "grants.json")
	}
	s := &Store{
		Path:   path,
		grants: make(map[string]*Grant),
	}
	if err := s.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func normalize(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}

// Allowed reports whether origin holds a grant.
func (s *Store) Allowed(origin string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.grants[AnyOrigin]; ok {
		return true
	}
	_, ok := s.grants[normalize(origin)]
	return ok
}

// Grant allows origin and persists. Granting an origin twice keeps the
// first grant.
func (s *Store) Grant(origin, note string) error {
	key := normalize(origin)
	if key == "" {
		return fmt.Errorf("%w: origin is required", vfs.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[key]; ok {
		return nil
	}
	s.grants[key] = &Grant{Origin: key, GrantedAt: time.Now(), Note: note}
	if err := s.saveLocked(); err != nil {
		delete(s.grants, key)
		return err
	}
	return nil
}

// Seed grants every origin in origins that is not yet granted.
func (s *Store) Seed(origins []string, note string) error {
	for _, o := range origins {
		if err := s.Grant(o, note); err != nil {
			return fmt.Errorf("failed to grant %q: %w", o, err)
		}
	}
	return nil
}

// Revoke removes the grant for origin. File systems it already mounted
// stay mounted.
func (s *Store) Revoke(origin string) error {
	key := normalize(origin)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[key]
	if !ok {
		return fmt.Errorf("%w: no grant for %q", vfs.ErrNotFound, origin)
	}
	delete(s.grants, key)
	if err := s.saveLocked(); err != nil {
		s.grants[key] = g
		return err
	}
	return nil
}

// List returns all grants sorted by origin.
func (s *Store) List() []Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// v1State is the old file format: a bare list of origins.
type v1State []string

// Load replaces the in-memory grants with the file's contents.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return err
	}

	var current struct {
		Grants []*Grant `json:"grants"`
	}
	if err := json.Unmarshal(data, &current); err == nil && current.Grants != nil {
		grants := make(map[string]*Grant, len(current.Grants))
		for _, g := range current.Grants {
			if g == nil {
				continue
			}
			g.Origin = normalize(g.Origin)
			if g.Origin == "" {
				continue
			}
			grants[g.Origin] = g
		}
		s.mu.Lock()
		s.grants = grants
		s.mu.Unlock()
		return nil
	}

	var v1 v1State
	if err := json.Unmarshal(data, &v1); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = make(map[string]*Grant, len(v1))
	now := time.Now()
	for _, o := range v1 {
		key := normalize(o)
		if key == "" {
			continue
		}
		s.grants[key] = &Grant{Origin: key, GrantedAt: now}
	}
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("failed to save migrated state: %w", err)
	}
	return nil
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	grants := make([]*Grant, 0, len(s.grants))
	for _, g := range s.grants {
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Origin < grants[j].Origin })
	data, err := json.MarshalIndent(struct {
		Grants []*Grant `json:"grants"`
	}{Grants: grants}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return os.WriteFile(s.Path, data, 0644)
}

// Watch reloads the store whenever its file changes on disk, until ctx is
// done. The directory is watched so that editors replacing the file are
// noticed too.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch state: %w", err)
	}
	defer w.Close()
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := w.Add(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("failed to watch state: %w", err)
	}
	target := filepath.Clean(s.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if err := s.Load(); err != nil {
				log.Warn().Err(err).Str("path", s.Path).Msg("failed to reload grants")
				continue
			}
			log.Info().Str("path", s.Path).Int("grants", len(s.List())).Msg("grants reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				return fmt.Errorf("state watcher failed: %w", err)
			}
		}
	}
}
