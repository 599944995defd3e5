package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/rhythmdeck/internal/model"
	"github.com/makeasinger/rhythmdeck/internal/service"
	"github.com/makeasinger/rhythmdeck/pkg/response"
)

type SettingsHandler struct {
	settings *service.SettingsService
	models   *service.ModelService
}

func NewSettingsHandler(settings *service.SettingsService, models *service.ModelService) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		models:   models,
	}
}

// Get handles GET /api/config
func (h *SettingsHandler) Get(c *fiber.Ctx) error {
	return response.OK(c, h.settings.Get())
}

// Update handles POST /api/config
func (h *SettingsHandler) Update(c *fiber.Ctx) error {
	var req model.SettingsUpdate
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	cfg, err := h.settings.Update(req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Success(c, fiber.Map{"config": cfg})
}

// Presets handles GET /api/presets
func (h *SettingsHandler) Presets(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"presets": model.QualityPresets})
}

// Models handles GET /api/models
func (h *SettingsHandler) Models(c *fiber.Ctx) error {
	models, root := h.models.Catalog()
	return response.Success(c, fiber.Map{
		"models":    models,
		"diff_root": root,
	})
}
