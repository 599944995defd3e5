package service

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/makeasinger/rhythmdeck/internal/history"
	"github.com/makeasinger/rhythmdeck/internal/model"
	"github.com/makeasinger/rhythmdeck/internal/sandbox"
)

const artifactExt = ".wav"

// ProjectService manages project folders and the artifacts inside them.
type ProjectService struct {
	sandbox  *sandbox.Sandbox
	ledger   *history.Ledger
	settings *SettingsService
}

// NewProjectService creates a new project service
func NewProjectService(sb *sandbox.Sandbox, ledger *history.Ledger, settings *SettingsService) *ProjectService {
	return &ProjectService{
		sandbox:  sb,
		ledger:   ledger,
		settings: settings,
	}
}

// Resolve maps a project name to its directory, creating it if missing.
// An empty name selects the active project.
func (s *ProjectService) Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = s.settings.ActiveProject()
	}
	dir, err := s.sandbox.Project(name)
	if err != nil {
		return "", s.pathError(err)
	}
	return dir, nil
}

// List returns every project with its artifact count.
func (s *ProjectService) List() (*model.ProjectListResponse, error) {
	if err := s.sandbox.EnsureDefault(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.sandbox.Base())
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	projects := []model.ProjectSummary{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := listArtifacts(filepath.Join(s.sandbox.Base(), e.Name()))
		if err != nil {
			log.Printf("Failed to list artifacts of %s: %v", e.Name(), err)
		}
		projects = append(projects, model.ProjectSummary{Name: e.Name(), Count: len(files)})
	}

	return &model.ProjectListResponse{
		Projects: projects,
		Active:   s.settings.ActiveProject(),
	}, nil
}

// Create makes a new empty project.
func (s *ProjectService) Create(name string) (string, error) {
	name = strings.TrimSpace(name)
	if sandbox.IsReserved(name) {
		return "", invalid("The name 'Default' is reserved.")
	}
	dir, err := s.sandbox.ProjectNoCreate(name)
	if err != nil {
		return "", s.pathError(err)
	}
	if _, err := os.Stat(dir); err == nil {
		return "", conflict("Project already exists")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project: %w", err)
	}
	return filepath.Base(dir), nil
}

// Rename moves a project and keeps the active project pointing at it.
func (s *ProjectService) Rename(oldName, newName string) error {
	oldName = strings.TrimSpace(oldName)
	newName = strings.TrimSpace(newName)
	if sandbox.IsReserved(oldName) {
		return invalid("The 'Default' project cannot be renamed.")
	}
	if sandbox.IsReserved(newName) {
		return invalid("You cannot rename a project to the reserved name 'Default'.")
	}

	src, err := s.sandbox.ProjectNoCreate(oldName)
	if err != nil {
		return s.pathError(err)
	}
	dst, err := s.sandbox.ProjectNoCreate(newName)
	if err != nil {
		return s.pathError(err)
	}
	if src == dst {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return notFound("Source project does not exist")
	}
	if _, err := os.Stat(dst); err == nil {
		return conflict("Target project already exists")
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename project: %w", err)
	}
	return s.settings.ReplaceActiveProject(filepath.Base(src), filepath.Base(dst))
}

// Delete removes a project. Without force, projects holding artifacts are kept.
func (s *ProjectService) Delete(name string, force bool) error {
	name = strings.TrimSpace(name)
	if sandbox.IsReserved(name) {
		return invalid("The 'Default' project cannot be deleted.")
	}
	dir, err := s.sandbox.ProjectNoCreate(name)
	if err != nil {
		return s.pathError(err)
	}
	if _, err := os.Stat(dir); err != nil {
		return notFound("Project does not exist")
	}

	if !force {
		files, err := listArtifacts(dir)
		if err != nil {
			return fmt.Errorf("inspect project: %w", err)
		}
		if len(files) > 0 {
			return conflict("Project not empty")
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return s.settings.ReplaceActiveProject(filepath.Base(dir), sandbox.DefaultProject)
}

// Files lists a project's artifacts and history. A missing project yields
// empty lists rather than an error.
func (s *ProjectService) Files(name string) (*model.FileListResponse, error) {
	if strings.TrimSpace(name) == "" {
		name = s.settings.ActiveProject()
	}
	dir, err := s.sandbox.ProjectNoCreate(name)
	if err != nil {
		return nil, s.pathError(err)
	}

	resp := &model.FileListResponse{
		Project: filepath.Base(dir),
		Files:   []model.ArtifactInfo{},
		History: []model.HistoryEntry{},
	}
	if _, err := os.Stat(dir); err != nil {
		resp.Project = name
		return resp, nil
	}

	files, err := listArtifacts(dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	resp.Files = files
	resp.History = s.ledger.Read(dir)
	return resp, nil
}

// DeleteFile removes an artifact and drops its history entries.
func (s *ProjectService) DeleteFile(project, name string) error {
	dir, err := s.Resolve(project)
	if err != nil {
		return err
	}
	target, err := s.sandbox.File(dir, name)
	if err != nil {
		return s.pathError(err)
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return notFound("File does not exist")
		}
		return fmt.Errorf("delete file: %w", err)
	}
	return s.ledger.DropFile(dir, filepath.Base(target))
}

// RenameFile renames an artifact and rewrites matching history entries.
func (s *ProjectService) RenameFile(project, src, dst string) error {
	dir, err := s.Resolve(project)
	if err != nil {
		return err
	}
	from, err := s.sandbox.File(dir, src)
	if err != nil {
		return s.pathError(err)
	}
	to, err := s.sandbox.File(dir, dst)
	if err != nil {
		return s.pathError(err)
	}
	if from == to {
		return nil
	}
	if _, err := os.Stat(from); err != nil {
		return notFound("File does not exist")
	}
	if _, err := os.Stat(to); err == nil {
		return conflict("Target file already exists")
	}

	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return s.ledger.RenameFile(dir, filepath.Base(from), filepath.Base(to))
}

// Prune drops history entries whose artifacts no longer exist.
func (s *ProjectService) Prune(project string) error {
	dir, err := s.sandbox.ProjectNoCreate(project)
	if err != nil {
		return s.pathError(err)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	return s.ledger.Prune(dir)
}

// Artifact resolves an existing file inside a project for serving.
func (s *ProjectService) Artifact(project, name string) (string, error) {
	dir, err := s.sandbox.ProjectNoCreate(project)
	if err != nil {
		return "", s.pathError(err)
	}
	target, err := s.sandbox.File(dir, name)
	if err != nil {
		return "", s.pathError(err)
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return "", notFound("File not found")
	}
	return target, nil
}

// ExistingReference returns the path of an existing project file usable as
// an audio reference, or "" when name does not resolve to one.
func (s *ProjectService) ExistingReference(projectDir, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	target, err := s.sandbox.File(projectDir, sandbox.SecureName(name))
	if err != nil {
		return ""
	}
	if info, err := os.Stat(target); err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return target
}

func (s *ProjectService) pathError(err error) error {
	if errors.Is(err, sandbox.ErrInvalidPath) {
		return invalid("Invalid path")
	}
	return err
}

func listArtifacts(dir string) ([]model.ArtifactInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := []model.ArtifactInfo{}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), artifactExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, model.ArtifactInfo{
			Name:  e.Name(),
			Size:  info.Size(),
			MTime: info.ModTime().Unix(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
