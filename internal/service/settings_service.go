package service

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/makeasinger/rhythmdeck/internal/model"
	"github.com/makeasinger/rhythmdeck/internal/sandbox"
	"github.com/makeasinger/rhythmdeck/internal/store"
)

const settingsKey = "config"

// SettingsService persists the generation defaults and the active project.
type SettingsService struct {
	repo      store.Repository
	validator *validator.Validate
	mu        sync.Mutex
}

// NewSettingsService creates a settings service backed by repo.
func NewSettingsService(repo store.Repository, v *validator.Validate) *SettingsService {
	return &SettingsService{repo: repo, validator: v}
}

// Get returns the stored settings, or the defaults when nothing usable is stored.
func (s *SettingsService) Get() model.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SettingsService) load() model.Settings {
	cfg := model.DefaultSettings()
	if _, err := s.repo.Load(settingsKey, &cfg); err != nil {
		log.Printf("Using default settings: %v", err)
		return model.DefaultSettings()
	}
	if strings.TrimSpace(cfg.ActiveProject) == "" {
		cfg.ActiveProject = sandbox.DefaultProject
	}
	return cfg
}

// ActiveProject returns the project used when a request names none.
func (s *SettingsService) ActiveProject() string {
	return s.Get().ActiveProject
}

// Update applies a partial update and persists the result.
func (s *SettingsService) Update(upd model.SettingsUpdate) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.load()
	if upd.RepoID != nil {
		cfg.RepoID = strings.TrimSpace(*upd.RepoID)
	}
	if upd.UseChunked != nil {
		cfg.UseChunked = *upd.UseChunked
	}
	if upd.CudaVisibleDevices != nil {
		cfg.CudaVisibleDevices = *upd.CudaVisibleDevices
	}
	if upd.ActiveProject != nil {
		cfg.ActiveProject = sandbox.CleanProjectName(*upd.ActiveProject)
	}
	if upd.PythonBin != nil {
		cfg.PythonBin = strings.TrimSpace(*upd.PythonBin)
	}

	var err error
	if cfg.AudioLength, err = intField(upd.AudioLength, "audio_length", cfg.AudioLength); err != nil {
		return cfg, err
	}
	if cfg.BatchInferNum, err = intField(upd.BatchInferNum, "batch_infer_num", cfg.BatchInferNum); err != nil {
		return cfg, err
	}
	if cfg.Steps, err = intField(upd.Steps, "steps", cfg.Steps); err != nil {
		return cfg, err
	}
	if cfg.CFGStrength, err = floatField(upd.CFGStrength, "cfg_strength", cfg.CFGStrength); err != nil {
		return cfg, err
	}

	if err := s.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return cfg, invalid(fmt.Sprintf("invalid setting %s (%s)", verrs[0].Field(), verrs[0].Tag()))
		}
		return cfg, invalid(err.Error())
	}

	if err := s.repo.Save(settingsKey, cfg); err != nil {
		return cfg, fmt.Errorf("save settings: %w", err)
	}
	return cfg, nil
}

// ReplaceActiveProject switches the active project from old to next when
// old is currently active.
func (s *SettingsService) ReplaceActiveProject(old, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.load()
	if cfg.ActiveProject != old {
		return nil
	}
	cfg.ActiveProject = next
	if err := s.repo.Save(settingsKey, cfg); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func intField(n *model.Number, field string, current int) (int, error) {
	if n == nil {
		return current, nil
	}
	v, err := n.Int(field, current)
	if err != nil {
		return current, invalid(err.Error())
	}
	return v, nil
}

func floatField(n *model.Number, field string, current float64) (float64, error) {
	if n == nil {
		return current, nil
	}
	v, err := n.Float(field, current)
	if err != nil {
		return current, invalid(err.Error())
	}
	return v, nil
}
