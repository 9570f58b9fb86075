// Package scripts enforces the policy for which files may be executed:
// only files inside allow-listed category directories under the scripts
// root, with an allow-listed extension, and no path traversal.
package scripts

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is the sentinel wrapped by every validation failure.
var ErrInvalidPath = errors.New("invalid script path")

// DefaultCategories are the helper-script category directories.
var DefaultCategories = []string{"ct", "install", "tools", "vm", "misc"}

// DefaultExtensions are the executable script extensions.
var DefaultExtensions = []string{".sh", ".bash", ".py", ".js", ".pl"}

// Validator checks requested script paths against the allow-list and
// resolves them to absolute paths under Root.
type Validator struct {
	// Root is the local scripts directory.
	Root string

	// Categories and Extensions override the defaults when non-empty.
	Categories []string
	Extensions []string
}

func (v *Validator) categories() []string {
	if len(v.Categories) > 0 {
		return v.Categories
	}
	return DefaultCategories
}

func (v *Validator) extensions() []string {
	if len(v.Extensions) > 0 {
		return v.Extensions
	}
	return DefaultExtensions
}

// Validate checks rel (a slash-separated path relative to the scripts root)
// against the policy. The returned error wraps ErrInvalidPath with the
// reason.
func (v *Validator) Validate(rel string) error {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: absolute paths are not allowed", ErrInvalidPath)
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean != rel {
		return fmt.Errorf("%w: %q is not in canonical form", ErrInvalidPath, rel)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return fmt.Errorf("%w: %q escapes the scripts root", ErrInvalidPath, rel)
	}

	category, _, found := strings.Cut(clean, "/")
	if !found {
		return fmt.Errorf("%w: %q is outside a category directory", ErrInvalidPath, rel)
	}
	if !contains(v.categories(), category) {
		return fmt.Errorf("%w: category %q is not allowed", ErrInvalidPath, category)
	}

	ext := strings.ToLower(filepath.Ext(clean))
	if !contains(v.extensions(), ext) {
		return fmt.Errorf("%w: extension %q is not allowed", ErrInvalidPath, ext)
	}
	return nil
}

// Resolve validates rel and returns its absolute path under Root.
func (v *Validator) Resolve(rel string) (string, error) {
	if err := v.Validate(rel); err != nil {
		return "", err
	}
	return filepath.Join(v.Root, filepath.FromSlash(rel)), nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
