package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings are the user preferences persisted between runs.
type Settings struct {
	DownloadFolder         string `yaml:"download_folder" json:"download_folder"`
	MaxConcurrentDownloads int    `yaml:"max_concurrent_downloads" json:"max_concurrent_downloads"`
}

// Validate rejects values the download manager cannot run with.
func (s Settings) Validate() error {
	if s.DownloadFolder == "" {
		return errors.New("download_folder must not be empty")
	}

	if s.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max_concurrent_downloads must be at least 1, got %d", s.MaxConcurrentDownloads)
	}

	return nil
}

// Store keeps the current settings in memory and mirrors every change to a YAML file.
type Store struct {
	mu      sync.RWMutex
	path    string
	current Settings
}

// Open loads path over defaults. A missing file is created with the defaults.
func Open(path string, defaults Settings) (*Store, error) {
	s := &Store{path: path, current: defaults}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := s.save(defaults); err != nil {
			return nil, err
		}

		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	loaded := defaults
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}

	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
	}

	s.current = loaded

	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// Update applies fn to a copy of the settings, validates and persists the result.
// The in-memory value only changes when the write succeeds.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	fn(&next)

	if err := next.Validate(); err != nil {
		return s.current, err
	}

	if err := s.save(next); err != nil {
		return s.current, err
	}

	s.current = next

	return next, nil
}

func (s *Store) save(v Settings) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}

	return nil
}
