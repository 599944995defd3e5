package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/rhythmdeck/internal/model"
	"github.com/makeasinger/rhythmdeck/internal/service"
	"github.com/makeasinger/rhythmdeck/pkg/response"
)

type FavoritesHandler struct {
	service *service.FavoritesService
}

func NewFavoritesHandler(svc *service.FavoritesService) *FavoritesHandler {
	return &FavoritesHandler{service: svc}
}

// List handles GET /api/favorites
func (h *FavoritesHandler) List(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"favorites": h.service.List()})
}

// Replace handles POST /api/favorites
func (h *FavoritesHandler) Replace(c *fiber.Ctx) error {
	var req model.FavoritesRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.service.Replace(req.Favorites); err != nil {
		return serviceError(c, err)
	}
	return response.Success(c, nil)
}

// Delete handles DELETE /api/favorites/:id
func (h *FavoritesHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Favorite ID is required", nil)
	}
	if err := h.service.Delete(id); err != nil {
		return serviceError(c, err)
	}
	return response.Success(c, nil)
}
