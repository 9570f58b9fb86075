package profile_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/pvetools/scriptdeck/internal/profile"
)

func TestStoreCRUDRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	s, err := profile.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	p, err := s.Create(profile.Profile{Name: "lab", Host: "pve1.local", User: "root", Password: "pw"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == "" {
		t.Fatal("created profile has no id")
	}

	// Reopen from disk: the profile must survive.
	s2, err := profile.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	target, err := s2.Lookup(p.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if target.Host != "pve1.local" || target.User != "root" || target.Password != "pw" {
		t.Errorf("target = %+v, want stored values", target)
	}

	if err := s2.Delete(p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s2.Lookup(p.ID); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("lookup after delete err = %v, want ErrNotFound", err)
	}
	if err := s2.Delete(p.ID); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestCreateRejectsIncomplete(t *testing.T) {
	s, err := profile.Open(filepath.Join(t.TempDir(), "servers.yaml"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, p := range []profile.Profile{
		{User: "root", Password: "pw"},
		{Host: "pve1", Password: "pw"},
		{Host: "pve1", User: "root"},
	} {
		if _, err := s.Create(p); err == nil {
			t.Errorf("incomplete profile %+v accepted", p)
		}
	}
}

func TestNameDefaultsToHost(t *testing.T) {
	s, err := profile.Open(filepath.Join(t.TempDir(), "servers.yaml"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p, err := s.Create(profile.Profile{Host: "pve2", User: "root", Password: "pw"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Name != "pve2" {
		t.Errorf("name = %q, want host fallback", p.Name)
	}
}

func TestOpenMissingFile(t *testing.T) {
	s, err := profile.Open(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("open missing: %v", err)
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("profiles = %d, want 0", got)
	}
}
