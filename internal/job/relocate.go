package job

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const maxNameAttempts = 1000

// Relocator moves the tool's output from a scratch directory into a project.
type Relocator struct {
	// Convention is the file name the tool is expected to write.
	Convention string
	// Ext is the artifact extension used for fallback lookup and naming.
	Ext string
	// Now supplies the timestamp embedded in artifact names.
	Now func() time.Time
}

// NewRelocator returns a Relocator for the tool's wav output.
func NewRelocator() *Relocator {
	return &Relocator{
		Convention: "output.wav",
		Ext:        ".wav",
		Now:        time.Now,
	}
}

// Relocate moves the produced artifact into projectDir under a timestamped
// name and removes scratchDir. found is false when the tool wrote nothing
// usable; err is set only when an artifact existed but could not be moved.
func (r *Relocator) Relocate(scratchDir, projectDir string) (finalPath string, found bool, err error) {
	defer func() {
		if rmErr := os.RemoveAll(scratchDir); rmErr != nil {
			log.Printf("Failed to remove scratch dir %s: %v", scratchDir, rmErr)
		}
	}()

	src, ok := r.locate(scratchDir)
	if !ok {
		return "", false, nil
	}

	// A project renamed or deleted mid-run is recreated under its old name.
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return "", false, fmt.Errorf("create project dir %s: %w", projectDir, err)
	}
	dst, err := r.claim(projectDir)
	if err != nil {
		return "", false, fmt.Errorf("reserve artifact name in %s: %w", projectDir, err)
	}
	if err := moveFile(src, dst); err != nil {
		os.Remove(dst)
		return "", false, fmt.Errorf("move artifact into %s: %w", projectDir, err)
	}
	return dst, true, nil
}

func (r *Relocator) locate(scratchDir string) (string, bool) {
	conventional := filepath.Join(scratchDir, r.Convention)
	if isRegular(conventional) {
		return conventional, true
	}

	// Glob results are sorted, which keeps the fallback deterministic.
	matches, err := filepath.Glob(filepath.Join(scratchDir, "*"+r.Ext))
	if err != nil {
		return "", false
	}
	for _, m := range matches {
		if isRegular(m) {
			return m, true
		}
	}
	return "", false
}

// claim creates an empty placeholder under the first free timestamped name.
// The move then replaces the placeholder, so a file renamed into place
// meanwhile is never overwritten.
func (r *Relocator) claim(projectDir string) (string, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	stem := "output-" + now().Format("20060102-150405")
	for i := 1; i <= maxNameAttempts; i++ {
		name := stem + r.Ext
		if i > 1 {
			name = fmt.Sprintf("%s-%d%s", stem, i, r.Ext)
		}
		dst := filepath.Join(projectDir, name)
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return dst, f.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", stem, maxNameAttempts)
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	return copyThenRename(src, dst)
}

// copyThenRename handles moves across filesystems: the copy lands in a temp
// file beside dst and is renamed into place, so dst never appears partial.
func copyThenRename(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".rhythmdeck-move-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Remove(src)
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
