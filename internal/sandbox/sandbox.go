// Package sandbox confines project and file paths to a configured base directory.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultProject is the canonical project that always exists and cannot be
// renamed or deleted.
const DefaultProject = "Default"

// ErrInvalidPath is returned when a name would resolve outside its root.
var ErrInvalidPath = errors.New("invalid path")

// Sandbox resolves project identifiers to directories under Base.
type Sandbox struct {
	base string
}

// New returns a Sandbox rooted at base. The base directory and the Default
// project are created if missing.
func New(base string) (*Sandbox, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir %s: %w", base, err)
	}
	s := &Sandbox{base: abs}
	if err := s.EnsureDefault(); err != nil {
		return nil, err
	}
	return s, nil
}

// Base returns the absolute base directory.
func (s *Sandbox) Base() string {
	return s.base
}

// EnsureDefault creates the base directory and the Default project.
func (s *Sandbox) EnsureDefault() error {
	dir := filepath.Join(s.base, DefaultProject)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create default project: %w", err)
	}
	return nil
}

// Project resolves name to a project directory, creating it if needed.
func (s *Sandbox) Project(name string) (string, error) {
	dir, err := s.ProjectNoCreate(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project %s: %w", filepath.Base(dir), err)
	}
	return dir, nil
}

// ProjectNoCreate resolves name to a project directory without creating it.
func (s *Sandbox) ProjectNoCreate(name string) (string, error) {
	if err := s.EnsureDefault(); err != nil {
		return "", err
	}
	clean := CleanProjectName(name)
	if strings.Contains(clean, "/") {
		return "", fmt.Errorf("%w: nested project %q", ErrInvalidPath, name)
	}
	return confine(s.base, clean)
}

// File resolves name inside projectDir. Only direct children are accepted.
func (s *Sandbox) File(projectDir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: empty file name", ErrInvalidPath)
	}
	target, err := confine(projectDir, name)
	if err != nil {
		return "", err
	}
	if filepath.Dir(target) != filepath.Clean(projectDir) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, name)
	}
	return target, nil
}

// CleanProjectName normalizes a user-supplied project identifier.
func CleanProjectName(name string) string {
	safe := strings.TrimSpace(name)
	safe = strings.ReplaceAll(safe, "..", "")
	safe = strings.ReplaceAll(safe, "\\", "/")
	safe = strings.Trim(safe, "/")
	if safe == "" {
		return DefaultProject
	}
	return safe
}

// IsReserved reports whether name refers to the Default project.
func IsReserved(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), DefaultProject)
}

// SecureName reduces an uploaded file name to a safe basename.
func SecureName(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		if r < 128 && (r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			b.WriteRune(r)
		}
	}
	safe := strings.Trim(b.String(), ".")
	if safe == "" {
		return "file-" + uuid.New().String()[:6]
	}
	return safe
}

func confine(root, name string) (string, error) {
	cleanRoot := filepath.Clean(root)
	target, err := filepath.Abs(filepath.Join(cleanRoot, name))
	if err != nil {
		return "", err
	}
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrInvalidPath, name, cleanRoot)
	}
	return target, nil
}
