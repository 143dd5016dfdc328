package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

// KindLister exposes the configured entity kinds.
type KindLister interface {
	Kinds() []*models.EntityTypeConfig
}

type KindsHandler struct {
	kinds KindLister
}

func NewKindsHandler(kinds KindLister) *KindsHandler {
	return &KindsHandler{kinds: kinds}
}

func (h *KindsHandler) Register(g *echo.Group) {
	g.GET("", h.List)
}

// List returns every configured kind, sorted by name.
func (h *KindsHandler) List(c echo.Context) error {
	return SuccessResponse(c, h.kinds.Kinds())
}
