// Package settings persists the streaming target chosen by the user so it
// survives restarts.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/transmit"
)

const (
	keyIP   = "target_ip"
	keyPort = "target_port"
)

// Target is the persisted receiver address.
type Target struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Store reads and writes Target to a YAML file.
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// DefaultPath returns settings.yaml under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "openmic", "settings.yaml")
}

// Open loads path if it exists. Keys absent from the file, or a missing
// file, yield defaults.
func Open(path string, defaults Target) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault(keyIP, defaults.IP)
	v.SetDefault(keyPort, defaults.Port)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}
	return &Store{v: v, path: path}, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Get returns the stored target, or the defaults passed to Open.
func (s *Store) Get() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Target{IP: s.v.GetString(keyIP), Port: s.v.GetInt(keyPort)}
}

// Save validates t and writes it to disk.
func (s *Store) Save(t Target) error {
	if _, err := transmit.ValidateTarget(t.IP, t.Port); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	s.v.Set(keyIP, t.IP)
	s.v.Set(keyPort, t.Port)
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings %s: %w", s.path, err)
	}
	return os.Chmod(s.path, 0o600)
}
