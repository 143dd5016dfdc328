package handlers

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RunReader reads the run ledger.
type RunReader interface {
	Get(ctx context.Context, runID string) (*models.Run, error)
	List(ctx context.Context, kind string, limit int) ([]models.Run, error)
}

type RunsHandler struct {
	runs RunReader
}

func NewRunsHandler(runs RunReader) *RunsHandler {
	return &RunsHandler{runs: runs}
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:run_id", h.Get)
}

// List returns recent runs, newest first. Optional query: kind, limit.
func (h *RunsHandler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RunsHandler.List")
	defer span.End()

	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}

	runs, err := h.runs.List(ctx, c.QueryParam("kind"), limit)
	if err != nil {
		return err
	}
	return SuccessResponse(c, runs)
}

func (h *RunsHandler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RunsHandler.Get")
	defer span.End()

	run, err := h.runs.Get(ctx, c.Param("run_id"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, run)
}
