package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/rhythmdeck/internal/job"
	"github.com/makeasinger/rhythmdeck/internal/model"
	"github.com/makeasinger/rhythmdeck/internal/service"
	"github.com/makeasinger/rhythmdeck/pkg/response"
)

type GenerateHandler struct {
	service *service.GenerateService
	uploads *service.UploadService
}

func NewGenerateHandler(svc *service.GenerateService, uploads *service.UploadService) *GenerateHandler {
	return &GenerateHandler{
		service: svc,
		uploads: uploads,
	}
}

// Status handles GET /api/status
func (h *GenerateHandler) Status(c *fiber.Ctx) error {
	return response.OK(c, h.service.Status())
}

// Form handles POST /api/generate
func (h *GenerateHandler) Form(c *fiber.Ctx) error {
	// Reject before saving any upload.
	if h.service.Busy() {
		return response.Busy(c)
	}

	projectDir, err := h.service.ResolveProject(c.FormValue("project"))
	if err != nil {
		return serviceError(c, err)
	}

	in := service.GenerateInput{
		Mode:          model.Mode(c.FormValue("mode", string(model.ModeSimple))),
		RefMode:       model.RefMode(c.FormValue("ref_mode", string(model.RefModePrompt))),
		Quality:       c.FormValue("quality"),
		RepoID:        c.FormValue("repo_id"),
		AudioLength:   model.NewNumber(c.FormValue("audio_length")),
		BatchInferNum: model.NewNumber(c.FormValue("batch_infer_num")),
		Steps:         model.NewNumber(c.FormValue("steps")),
		CFGStrength:   model.NewNumber(c.FormValue("cfg_strength")),
	}

	var saved []string
	if in.RefMode == model.RefModeAudio {
		if existing := strings.TrimSpace(c.FormValue("ref_audio_existing")); existing != "" {
			if path := h.service.ExistingReference(projectDir, existing); path != "" {
				in.RefAudioPath = path
				in.RefAudioLabel = existing
			}
		}
		if in.RefAudioPath == "" {
			if file, err := c.FormFile("ref_audio"); err == nil && file.Filename != "" {
				path, err := h.uploads.SaveMultipart(file, service.PrefixReference)
				if err != nil {
					return serviceError(c, err)
				}
				saved = append(saved, path)
				in.RefAudioPath = path
			}
		}
	} else {
		in.RefPrompt = c.FormValue("ref_prompt")
	}

	// Lyrics and device options are advanced-only.
	if in.Mode == model.ModeAdvanced {
		if file, err := c.FormFile("lrc_file"); err == nil && file.Filename != "" {
			path, err := h.uploads.SaveMultipart(file, service.PrefixLyrics)
			if err != nil {
				h.uploads.Remove(saved...)
				return serviceError(c, err)
			}
			saved = append(saved, path)
			in.LyricsPath = path
		}

		chunked := c.FormValue("use_chunked") == "on"
		in.UseChunked = &chunked

		if device, ok := formField(c, "cuda_visible_devices"); ok {
			device = strings.TrimSpace(device)
			if device == "" {
				device = "0"
			}
			in.Device = &device
		}
	}

	return h.run(c, projectDir, in, saved)
}

// JSON handles POST /api/generate/json
func (h *GenerateHandler) JSON(c *fiber.Ctx) error {
	if h.service.Busy() {
		return response.Busy(c)
	}

	var body model.GenerateJSONRequest
	if err := c.BodyParser(&body); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	projectDir, err := h.service.ResolveProject(body.Project)
	if err != nil {
		return serviceError(c, err)
	}

	in := service.GenerateInput{
		Mode:          body.Mode,
		RefMode:       body.RefMode,
		Quality:       body.Quality,
		RepoID:        body.RepoID,
		AudioLength:   body.AudioLength,
		BatchInferNum: body.BatchInferNum,
		Steps:         body.Steps,
		CFGStrength:   body.CFGStrength,
		UseChunked:    body.UseChunked,
		Device:        body.Device,
	}
	if in.Mode == "" {
		in.Mode = model.ModeAdvanced
	}
	if in.RefMode == "" {
		in.RefMode = model.RefModePrompt
		if body.HasAudioReference() {
			in.RefMode = model.RefModeAudio
		}
	}

	var saved []string
	cleanup := func() { h.uploads.Remove(saved...) }

	if in.RefMode == model.RefModeAudio {
		if body.RefAudioExisting != "" {
			if path := h.service.ExistingReference(projectDir, body.RefAudioExisting); path != "" {
				in.RefAudioPath = path
				in.RefAudioLabel = body.RefAudioExisting
			}
		}
		if in.RefAudioPath == "" && body.RefAudioB64 != "" {
			name := body.RefAudioFilename
			if name == "" {
				name = "ref.wav"
			}
			path, err := h.uploads.SaveBase64(body.RefAudioB64, name, service.PrefixReference)
			if err != nil {
				return serviceError(c, err)
			}
			saved = append(saved, path)
			in.RefAudioPath = path
		}
		if in.RefAudioPath == "" && body.RefAudioURL != "" {
			path, err := h.uploads.SaveURL(c.UserContext(), body.RefAudioURL, body.RefAudioFilename, service.PrefixReference)
			if err != nil {
				return serviceError(c, err)
			}
			saved = append(saved, path)
			in.RefAudioPath = path
		}
	} else {
		in.RefPrompt = body.RefPrompt
	}

	switch {
	case body.LrcB64 != "":
		name := body.LrcFilename
		if name == "" {
			name = "lyrics.lrc"
		}
		path, err := h.uploads.SaveBase64(body.LrcB64, name, service.PrefixLyrics)
		if err != nil {
			cleanup()
			return serviceError(c, err)
		}
		saved = append(saved, path)
		in.LyricsPath = path
	case body.LrcURL != "":
		path, err := h.uploads.SaveURL(c.UserContext(), body.LrcURL, body.LrcFilename, service.PrefixLyrics)
		if err != nil {
			cleanup()
			return serviceError(c, err)
		}
		saved = append(saved, path)
		in.LyricsPath = path
	}

	return h.run(c, projectDir, in, saved)
}

func (h *GenerateHandler) run(c *fiber.Ctx, projectDir string, in service.GenerateInput, saved []string) error {
	req, err := h.service.BuildRequest(projectDir, in)
	if err != nil {
		h.uploads.Remove(saved...)
		return serviceError(c, err)
	}

	result, err := h.service.Run(c.UserContext(), projectDir, req)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrBusy):
			h.uploads.Remove(saved...)
			return response.Busy(c)
		case errors.Is(err, job.ErrValidation):
			h.uploads.Remove(saved...)
			return serviceError(c, err)
		default:
			return response.ServiceError(c, "Generation failed: "+err.Error())
		}
	}

	// Failed runs are still reported with 200 and their logs.
	return response.OK(c, result)
}

// formField reports whether key was present in the submitted form, which
// FormValue alone cannot distinguish from an empty value.
func formField(c *fiber.Ctx, key string) (string, bool) {
	if form, err := c.MultipartForm(); err == nil {
		values, ok := form.Value[key]
		if !ok || len(values) == 0 {
			return "", false
		}
		return values[0], true
	}
	args := c.Request().PostArgs()
	if !args.Has(key) {
		return "", false
	}
	return string(args.Peek(key)), true
}
