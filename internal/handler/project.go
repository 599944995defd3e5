package handler

import (
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/rhythmdeck/internal/model"
	"github.com/makeasinger/rhythmdeck/internal/service"
	"github.com/makeasinger/rhythmdeck/pkg/response"
)

type ProjectHandler struct {
	service   *service.ProjectService
	validator *validator.Validate
}

func NewProjectHandler(svc *service.ProjectService, v *validator.Validate) *ProjectHandler {
	return &ProjectHandler{
		service:   svc,
		validator: v,
	}
}

// List handles GET /api/projects/list
func (h *ProjectHandler) List(c *fiber.Ctx) error {
	result, err := h.service.List()
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Create handles POST /api/projects/create
func (h *ProjectHandler) Create(c *fiber.Ctx) error {
	var req model.ProjectCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	name, err := h.service.Create(req.Name)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Success(c, fiber.Map{"name": name})
}

// Rename handles POST /api/projects/rename
func (h *ProjectHandler) Rename(c *fiber.Ctx) error {
	var req model.ProjectRenameRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.service.Rename(req.Old, req.New); err != nil {
		return serviceError(c, err)
	}
	return response.Success(c, nil)
}

// Delete handles POST /api/projects/delete
func (h *ProjectHandler) Delete(c *fiber.Ctx) error {
	var req model.ProjectDeleteRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.service.Delete(req.Name, req.Force); err != nil {
		return serviceError(c, err)
	}
	return response.Success(c, nil)
}

// Files handles GET /api/files/list
func (h *ProjectHandler) Files(c *fiber.Ctx) error {
	result, err := h.service.Files(c.Query("project"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// DeleteFile handles POST /api/files/delete
func (h *ProjectHandler) DeleteFile(c *fiber.Ctx) error {
	var req model.FileDeleteRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.service.DeleteFile(req.Project, req.Name); err != nil {
		return serviceError(c, err)
	}
	return response.Success(c, nil)
}

// RenameFile handles POST /api/files/rename
func (h *ProjectHandler) RenameFile(c *fiber.Ctx) error {
	var req model.FileRenameRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.service.RenameFile(req.Project, req.Src, req.Dst); err != nil {
		return serviceError(c, err)
	}
	return response.Success(c, nil)
}

// Play handles GET /play/:project/*
func (h *ProjectHandler) Play(c *fiber.Ctx) error {
	path, err := h.artifact(c)
	if err != nil {
		return serviceError(c, err)
	}
	c.Set(fiber.HeaderContentType, "audio/wav")
	return c.SendFile(path)
}

// Download handles GET /download/:project/*
func (h *ProjectHandler) Download(c *fiber.Ctx) error {
	path, err := h.artifact(c)
	if err != nil {
		return serviceError(c, err)
	}
	return c.Download(path)
}

func (h *ProjectHandler) artifact(c *fiber.Ctx) (string, error) {
	project, err := url.PathUnescape(c.Params("project"))
	if err != nil {
		project = c.Params("project")
	}
	name, err := url.PathUnescape(c.Params("*"))
	if err != nil {
		name = c.Params("*")
	}
	return h.service.Artifact(project, name)
}
