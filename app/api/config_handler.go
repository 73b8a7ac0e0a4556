package api

import (
	"privaterag/store"

	"github.com/gofiber/fiber/v2"
)

type ConfigHandler struct {
	store store.VectorStorer
}

func NewConfigHandler(storer store.VectorStorer) *ConfigHandler {
	return &ConfigHandler{
		store: storer,
	}
}

// HandleCollections lists every collection that holds at least one chunk.
func (h *ConfigHandler) HandleCollections(c *fiber.Ctx) error {
	names, err := h.store.Collections(c.UserContext())
	if err != nil {
		return err
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(fiber.Map{"collections": names})
}
