// Package merge exposes the merge confirmation calls: preview on GET, merge
// and rollback on POST.
package merge

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	ctxutil "github.com/Ramsey-B/datahub/pkg/context"
	"github.com/Ramsey-B/datahub/pkg/merging"
	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/tracing"
	"github.com/Ramsey-B/datahub/pkg/utils"
)

// Service is the merge engine as the handlers use it
type Service interface {
	Merge(ctx context.Context, t models.EntityType, sourceID, targetID, userID string) (*models.MergeResult, error)
	Plan(ctx context.Context, t models.EntityType, sourceID string) (*models.MergePlan, error)
	Preview(ctx context.Context, t models.EntityType, sourceID, targetID string) (*merging.Preview, error)
	Rollback(ctx context.Context, t models.EntityType, sourceID, userID string) error
}

// Handler serves the merge endpoints
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register registers merge routes on the /api/v1/merge group
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:entityType/:sourceId/plan", h.Plan)
	g.GET("/:entityType/:sourceId/preview", h.Preview)
	g.POST("/:entityType", h.Merge)
	g.POST("/:entityType/:sourceId/rollback", h.Rollback)
}

// MergeRequest is the body of a merge call
type MergeRequest struct {
	SourceID string `json:"source_id" validate:"required"`
	TargetID string `json:"target_id" validate:"required"`
}

// MergeResponse is returned by a successful merge
type MergeResponse struct {
	EntityType models.EntityType   `json:"entity_type"`
	SourceID   string              `json:"source_id"`
	TargetID   string              `json:"target_id"`
	Result     *models.MergeResult `json:"result"`
}

func entityType(c echo.Context) (models.EntityType, error) {
	t, err := models.ParseEntityType(c.Param("entityType"))
	if err != nil {
		return "", httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return t, nil
}

// Plan returns the counts a merge of the source would move
func (h *Handler) Plan(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "merge_handler.Plan")
	defer span.End()

	t, err := entityType(c)
	if err != nil {
		return err
	}

	plan, err := h.service.Plan(ctx, t, c.Param("sourceId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plan)
}

// Preview returns the plan with validation status for the confirm screen
func (h *Handler) Preview(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "merge_handler.Preview")
	defer span.End()

	t, err := entityType(c)
	if err != nil {
		return err
	}

	targetID := c.QueryParam("target_id")
	if err := utils.ValidateValue(targetID, "required"); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "target_id is required")
	}

	preview, err := h.service.Preview(ctx, t, c.Param("sourceId"), targetID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, preview)
}

// Merge merges source_id into target_id as the calling adviser
func (h *Handler) Merge(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "merge_handler.Merge")
	defer span.End()

	t, err := entityType(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[MergeRequest](c)
	if err != nil {
		return err
	}

	result, err := h.service.Merge(ctx, t, req.SourceID, req.TargetID, ctxutil.GetUserID(ctx))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, MergeResponse{
		EntityType: t,
		SourceID:   req.SourceID,
		TargetID:   req.TargetID,
		Result:     result,
	})
}

// Rollback reverts the latest merge of the source
func (h *Handler) Rollback(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "merge_handler.Rollback")
	defer span.End()

	t, err := entityType(c)
	if err != nil {
		return err
	}

	if err := h.service.Rollback(ctx, t, c.Param("sourceId"), ctxutil.GetUserID(ctx)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
