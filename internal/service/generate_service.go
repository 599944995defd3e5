package service

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/makeasinger/rhythmdeck/internal/job"
	"github.com/makeasinger/rhythmdeck/internal/model"
)

// GenerateInput is a generation request as received from a client, before
// defaults are applied. Unset numbers fall back to the stored settings.
type GenerateInput struct {
	Project string
	Mode    model.Mode
	RefMode model.RefMode

	RefPrompt     string
	RefAudioPath  string
	RefAudioLabel string
	LyricsPath    string

	// Quality names a preset applied in simple mode.
	Quality string

	RepoID        string
	AudioLength   model.Number
	BatchInferNum model.Number
	Steps         model.Number
	CFGStrength   model.Number
	UseChunked    *bool
	Device        *string
}

// GenerateService turns client input into job requests and runs them.
type GenerateService struct {
	jobs     *job.Service
	projects *ProjectService
	settings *SettingsService
}

// NewGenerateService creates a new generate service
func NewGenerateService(jobs *job.Service, projects *ProjectService, settings *SettingsService) *GenerateService {
	return &GenerateService{
		jobs:     jobs,
		projects: projects,
		settings: settings,
	}
}

// Busy reports whether a run is in progress.
func (s *GenerateService) Busy() bool {
	return s.jobs.Busy()
}

// Status describes the current run.
func (s *GenerateService) Status() model.RunStatus {
	return s.jobs.Status()
}

// ResolveProject returns the directory of the named project, or of the
// active project when name is empty.
func (s *GenerateService) ResolveProject(name string) (string, error) {
	return s.projects.Resolve(name)
}

// ExistingReference resolves a project file usable as reference audio.
func (s *GenerateService) ExistingReference(projectDir, name string) string {
	return s.projects.ExistingReference(projectDir, name)
}

// BuildRequest applies mode defaults and the stored settings to in.
func (s *GenerateService) BuildRequest(projectDir string, in GenerateInput) (*model.JobRequest, error) {
	cfg := s.settings.Get()

	mode := in.Mode
	if mode == "" {
		mode = model.ModeSimple
	}
	if mode != model.ModeSimple && mode != model.ModeAdvanced {
		return nil, invalid("mode must be simple or advanced")
	}

	refMode := in.RefMode
	if refMode == "" {
		refMode = model.RefModePrompt
	}

	req := &model.JobRequest{
		Project:    filepath.Base(projectDir),
		Mode:       mode,
		RefMode:    refMode,
		LyricsPath: in.LyricsPath,
	}

	switch refMode {
	case model.RefModePrompt:
		req.RefPrompt = strings.TrimSpace(in.RefPrompt)
	case model.RefModeAudio:
		req.RefAudioPath = in.RefAudioPath
		req.RefAudioLabel = in.RefAudioLabel
	default:
		return nil, invalid("ref_mode must be prompt or audio")
	}
	if err := req.CheckReference(); err != nil {
		return nil, invalid(err.Error())
	}

	p := model.GenerationParams{
		RepoID: strings.TrimSpace(in.RepoID),
	}
	if p.RepoID == "" {
		p.RepoID = cfg.RepoID
	}

	var err error
	if p.AudioLength, err = in.AudioLength.Int("audio_length", cfg.AudioLength); err != nil {
		return nil, invalid(err.Error())
	}
	if p.Steps, err = in.Steps.Int("steps", cfg.Steps); err != nil {
		return nil, invalid(err.Error())
	}
	if p.CFGStrength, err = in.CFGStrength.Float("cfg_strength", cfg.CFGStrength); err != nil {
		return nil, invalid(err.Error())
	}

	if mode == model.ModeSimple {
		if in.Quality != "" {
			preset, ok := model.QualityPresets[in.Quality]
			if !ok {
				return nil, invalid("unknown quality preset " + in.Quality)
			}
			if !in.Steps.IsSet() {
				p.Steps = preset.Steps
			}
			if !in.CFGStrength.IsSet() {
				p.CFGStrength = preset.CFGStrength
			}
		}
		p.BatchInferNum = 1
		p.UseChunked = false
		p.Device = "0"
	} else {
		if p.BatchInferNum, err = in.BatchInferNum.Int("batch_infer_num", cfg.BatchInferNum); err != nil {
			return nil, invalid(err.Error())
		}
		p.UseChunked = cfg.UseChunked
		if in.UseChunked != nil {
			p.UseChunked = *in.UseChunked
		}
		p.Device = cfg.CudaVisibleDevices
		if in.Device != nil {
			p.Device = strings.TrimSpace(*in.Device)
		}
	}

	req.Params = p
	return req, nil
}

// Run executes req. It returns job.ErrBusy when another run is in progress.
func (s *GenerateService) Run(ctx context.Context, projectDir string, req *model.JobRequest) (*model.RunResult, error) {
	return s.jobs.TryRun(ctx, projectDir, req)
}
