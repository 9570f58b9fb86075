// Package profile stores server profiles: the saved remote hosts the
// dashboard can execute against. Profiles live in a YAML file on disk;
// passwords are stored in clear text, which is the contract the execution
// layer currently depends on (flagged, not fixed).
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pvetools/scriptdeck/internal/sshexec"
)

// ErrNotFound indicates the profile id does not exist.
var ErrNotFound = errors.New("server profile not found")

// Profile is one saved remote host.
type Profile struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Host     string `yaml:"host" json:"host"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
}

// Target converts the profile to an execution target.
func (p Profile) Target() sshexec.Target {
	return sshexec.Target{Host: p.Host, User: p.User, Password: p.Password, Name: p.Name}
}

type fileFormat struct {
	Servers []Profile `yaml:"servers"`
}

// Store is a YAML-file-backed profile collection.
type Store struct {
	path string

	mu       sync.Mutex
	profiles map[string]Profile
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, profiles: make(map[string]Profile)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, p := range f.Servers {
		if p.ID != "" {
			s.profiles[p.ID] = p
		}
	}
	return s, nil
}

// List returns all profiles, passwords included (callers serializing to
// clients rely on the json:"-" tag to drop them).
func (s *Store) List() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Create validates and persists a new profile, assigning it an id.
func (s *Store) Create(p Profile) (Profile, error) {
	if strings.TrimSpace(p.Host) == "" || strings.TrimSpace(p.User) == "" || p.Password == "" {
		return Profile{}, fmt.Errorf("host, user and password are required")
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = p.Host
	}
	p.ID = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	if err := s.saveLocked(); err != nil {
		delete(s.profiles, p.ID)
		return Profile{}, err
	}
	return p, nil
}

// Delete removes a profile. Deleting an unknown id returns ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.profiles, id)
	return s.saveLocked()
}

// Lookup resolves a profile id to an execution target.
func (s *Store) Lookup(id string) (sshexec.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return sshexec.Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Target(), nil
}

func (s *Store) saveLocked() error {
	f := fileFormat{Servers: make([]Profile, 0, len(s.profiles))}
	for _, p := range s.profiles {
		f.Servers = append(f.Servers, p)
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
