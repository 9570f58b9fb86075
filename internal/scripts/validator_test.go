package scripts_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/pvetools/scriptdeck/internal/scripts"
)

func TestValidate(t *testing.T) {
	v := &scripts.Validator{Root: "/srv/scripts"}
	cases := []struct {
		rel string
		ok  bool
	}{
		{"ct/test.sh", true},
		{"install/docker.sh", true},
		{"tools/clean.py", true},
		{"vm/cloud-init.bash", true},
		{"misc/gen.js", true},
		{"ct/nested/setup.sh", true},

		{"", false},
		{"test.sh", false},                  // no category
		{"secret/run.sh", false},            // unknown category
		{"ct/readme.md", false},             // extension not allowed
		{"ct/binary", false},                // no extension
		{"/etc/passwd", false},              // absolute
		{"../outside.sh", false},            // traversal
		{"ct/../../etc/cron.sh", false},     // traversal through category
		{"ct//double/slash.sh", false},      // not canonical
		{"ct/./self.sh", false},             // not canonical
	}
	for _, tc := range cases {
		err := v.Validate(tc.rel)
		if tc.ok && err != nil {
			t.Errorf("Validate(%q) = %v, want nil", tc.rel, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("Validate(%q) = nil, want error", tc.rel)
			} else if !errors.Is(err, scripts.ErrInvalidPath) {
				t.Errorf("Validate(%q) error %v does not wrap ErrInvalidPath", tc.rel, err)
			}
		}
	}
}

func TestResolve(t *testing.T) {
	v := &scripts.Validator{Root: "/srv/scripts"}
	abs, err := v.Resolve("ct/test.sh")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := filepath.Join("/srv/scripts", "ct", "test.sh")
	if abs != want {
		t.Errorf("abs = %q, want %q", abs, want)
	}
	if _, err := v.Resolve("../escape.sh"); err == nil {
		t.Error("traversal path resolved")
	}
}

func TestCustomAllowLists(t *testing.T) {
	v := &scripts.Validator{
		Root:       "/srv",
		Categories: []string{"lab"},
		Extensions: []string{".sh"},
	}
	if err := v.Validate("lab/x.sh"); err != nil {
		t.Errorf("custom category rejected: %v", err)
	}
	if err := v.Validate("ct/x.sh"); err == nil {
		t.Error("default category accepted with custom allow-list")
	}
	if err := v.Validate("lab/x.py"); err == nil {
		t.Error("default extension accepted with custom allow-list")
	}
}
