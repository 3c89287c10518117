// Package settings persists the few server settings that can change while
// slotd runs. Only the lease timeout is written back today.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// LeaseTimeoutKey is the config key holding the lease timeout.
const LeaseTimeoutKey = "lease-timeout"

// Store saves runtime-mutable settings.
type Store interface {
	SaveLeaseTimeout(d time.Duration) error
}

// FileStore edits a YAML config file in place. Keys it does not own, their
// order and comments are left untouched.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on first
// save if it does not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// LeaseTimeout reads the persisted lease timeout. ok is false when the file
// or key is absent.
func (s *FileStore) LeaseTimeout() (d time.Duration, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, _, err := s.load()
	if err != nil {
		return 0, false, err
	}
	val := lookup(root, LeaseTimeoutKey)
	if val == nil {
		return 0, false, nil
	}
	d, err = time.ParseDuration(val.Value)
	if err != nil {
		return 0, false, fmt.Errorf("settings: parse %s %q: %w", LeaseTimeoutKey, val.Value, err)
	}
	return d, true, nil
}

// SaveLeaseTimeout writes d under LeaseTimeoutKey.
func (s *FileStore) SaveLeaseTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("settings: lease timeout must be positive, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	root, perm, err := s.load()
	if err != nil {
		return err
	}
	set(root, LeaseTimeoutKey, d.String())
	return s.write(root, perm)
}

func (s *FileStore) load() (*yaml.Node, fs.FileMode, error) {
	perm := fs.FileMode(0o600)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyMapping(), perm, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("settings: read %s: %w", s.path, err)
	}
	if info, err := os.Stat(s.path); err == nil {
		perm = info.Mode().Perm()
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("settings: parse %s: %w", s.path, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return emptyMapping(), perm, nil
	}
	if doc.Kind != yaml.DocumentNode || doc.Content[0].Kind != yaml.MappingNode {
		return nil, 0, fmt.Errorf("settings: %s: top level is not a mapping", s.path)
	}
	return &doc, perm, nil
}

func (s *FileStore) write(doc *yaml.Node, perm fs.FileMode) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("settings: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write temp: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("settings: replace %s: %w", s.path, err)
	}
	return nil
}

func emptyMapping() *yaml.Node {
	return &yaml.Node{
		Kind:    yaml.DocumentNode,
		Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
	}
}

func lookup(doc *yaml.Node, key string) *yaml.Node {
	m := doc.Content[0]
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func set(doc *yaml.Node, key, value string) {
	if val := lookup(doc, key); val != nil {
		val.Kind = yaml.ScalarNode
		val.Tag = "!!str"
		val.Value = value
		val.Content = nil
		return
	}
	m := doc.Content[0]
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
