package handlers

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Reconciler runs one reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context, req processor.Request) (*models.ReconciliationResult, error)
}

type ReconcileHandler struct {
	reconciler Reconciler
	logger     ectologger.Logger
}

func NewReconcileHandler(reconciler Reconciler, logger ectologger.Logger) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler, logger: logger}
}

// ReconcileResponse is the outcome of a run. Dry runs also carry the documents and
// change records that would have been written.
type ReconcileResponse struct {
	Summary   models.RunSummary     `json:"summary"`
	Stats     models.Stats          `json:"stats"`
	Documents []models.Document     `json:"documents,omitempty"`
	Changes   []models.ChangeRecord `json:"changes,omitempty"`
}

func (h *ReconcileHandler) Register(g *echo.Group) {
	g.POST("", h.Reconcile)
}

// Reconcile runs a reconciliation synchronously. Write failures still answer 200 with
// status partial; the failed ids are in the summary.
func (h *ReconcileHandler) Reconcile(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ReconcileHandler.Reconcile")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	var req processor.Request
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	result, err := h.reconciler.Reconcile(ctx, req)
	if err != nil {
		return err
	}

	resp := ReconcileResponse{Summary: result.Summary, Stats: result.Stats}
	if req.DryRun {
		resp.Documents = result.Documents
		resp.Changes = result.Changes
	}
	return SuccessResponse(c, resp)
}
