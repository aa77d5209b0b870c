package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	apierrors "github.com/jmalmgren/skolplan/api/internal/errors"
	"github.com/jmalmgren/skolplan/api/internal/middleware"
	"github.com/jmalmgren/skolplan/api/internal/models"
	"github.com/jmalmgren/skolplan/api/internal/repository"
	"github.com/jmalmgren/skolplan/api/internal/services"
)

// PlanningHandler serves the derived planning data and the recommendation
// run trigger.
type PlanningHandler struct {
	service services.PlanningService
}

// NewPlanningHandler creates a new PlanningHandler instance.
func NewPlanningHandler(service services.PlanningService) *PlanningHandler {
	return &PlanningHandler{
		service: service,
	}
}

// KeyRequest represents the (year, scenario) query parameters shared by the
// derived-data endpoints.
type KeyRequest struct {
	Year       int    `form:"year,default=2026"`
	ScenarioID string `form:"scenario_id,default=base"`
	DistrictID string `form:"district_id"`
}

// RunRequest represents the body of the recommendation run endpoint.
type RunRequest struct {
	Year       int    `json:"year"`
	ScenarioID string `json:"scenario_id"`
}

// RunResponse represents the response of a successful recommendation run.
type RunResponse struct {
	Status     string `json:"status"`
	Year       int    `json:"year"`
	ScenarioID string `json:"scenario_id"`
}

// ConstraintsRequest represents the body of the constraints update endpoint.
type ConstraintsRequest struct {
	ClassSizeMax      int     `json:"class_size_max" binding:"required,min=1"`
	MaxDistanceKm     float64 `json:"max_distance_km" binding:"required,gt=0"`
	MinConditionScore int     `json:"min_condition_score" binding:"min=0"`
}

// ExportRequest represents the query parameters for the CSV export endpoint.
type ExportRequest struct {
	Dataset    string `form:"dataset,default=recommendations"`
	Year       int    `form:"year,default=2026"`
	ScenarioID string `form:"scenario_id,default=base"`
}

// DistrictCapacityResponse represents the response for the district-capacity
// endpoint.
type DistrictCapacityResponse struct {
	Capacities []repository.DistrictCapacityRow `json:"capacities"`
	Count      int                              `json:"count"`
}

// SchoolUtilizationResponse represents the response for the
// school-utilization endpoint.
type SchoolUtilizationResponse struct {
	Utilizations []repository.SchoolUtilizationRow `json:"utilizations"`
	Count        int                               `json:"count"`
}

// RecommendationsResponse represents the response for the recommendations
// endpoint.
type RecommendationsResponse struct {
	Recommendations []repository.RecommendationRow `json:"recommendations"`
	Count           int                            `json:"count"`
}

// bindKey binds the shared (year, scenario) query parameters, writing an
// error response and returning false when binding fails.
func bindKey(c *gin.Context, req *KeyRequest) bool {
	if err := c.ShouldBindQuery(req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			apierrors.ValidationError(c, validationErrors)
			return false
		}
		apierrors.BadRequest(c, "Invalid query parameters", nil)
		return false
	}
	return true
}

// isBadKey reports whether the error is a key validation failure the caller
// should see as a 400.
func isBadKey(err error) bool {
	return errors.Is(err, services.ErrInvalidYear) || errors.Is(err, services.ErrInvalidScenario)
}

// Run handles POST /api/v1/recommendations/run.
// It recomputes all derived rows for the requested key.
func (h *PlanningHandler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.BadRequest(c, "Invalid JSON body", nil)
		return
	}
	if req.Year == 0 {
		req.Year = DefaultYear
	}
	if req.ScenarioID == "" {
		req.ScenarioID = DefaultScenarioID
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Info("Processing recommendation run", map[string]interface{}{
			"year":     req.Year,
			"scenario": req.ScenarioID,
		})
	}

	if err := h.service.RunRecommendations(c.Request.Context(), req.Year, req.ScenarioID); err != nil {
		if isBadKey(err) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		if errors.Is(err, services.ErrMissingConstraints) {
			apierrors.InternalServerError(c, "No active constraint set configured", err)
			return
		}
		apierrors.InternalServerError(c, "Recommendation run failed", err)
		return
	}

	c.JSON(http.StatusOK, RunResponse{
		Status:     "ok",
		Year:       req.Year,
		ScenarioID: req.ScenarioID,
	})
}

// KPIs handles GET /api/v1/kpis.
func (h *PlanningHandler) KPIs(c *gin.Context) {
	var req KeyRequest
	if !bindKey(c, &req) {
		return
	}

	kpis, err := h.service.KPIs(c.Request.Context(), req.Year, req.ScenarioID, req.DistrictID)
	if err != nil {
		if isBadKey(err) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		apierrors.InternalServerError(c, "Failed to query kpis", err)
		return
	}

	c.JSON(http.StatusOK, kpis)
}

// DistrictCapacity handles GET /api/v1/district-capacity.
func (h *PlanningHandler) DistrictCapacity(c *gin.Context) {
	var req KeyRequest
	if !bindKey(c, &req) {
		return
	}

	capacities, err := h.service.DistrictCapacities(c.Request.Context(), req.Year, req.ScenarioID)
	if err != nil {
		if isBadKey(err) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		apierrors.InternalServerError(c, "Failed to query district capacities", err)
		return
	}

	c.JSON(http.StatusOK, DistrictCapacityResponse{
		Capacities: capacities,
		Count:      len(capacities),
	})
}

// SchoolUtilization handles GET /api/v1/school-utilization.
func (h *PlanningHandler) SchoolUtilization(c *gin.Context) {
	var req KeyRequest
	if !bindKey(c, &req) {
		return
	}

	utilizations, err := h.service.SchoolUtilizations(c.Request.Context(), req.Year, req.ScenarioID, req.DistrictID)
	if err != nil {
		if isBadKey(err) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		apierrors.InternalServerError(c, "Failed to query school utilizations", err)
		return
	}

	c.JSON(http.StatusOK, SchoolUtilizationResponse{
		Utilizations: utilizations,
		Count:        len(utilizations),
	})
}

// Recommendations handles GET /api/v1/recommendations.
func (h *PlanningHandler) Recommendations(c *gin.Context) {
	var req KeyRequest
	if !bindKey(c, &req) {
		return
	}

	recommendations, err := h.service.Recommendations(c.Request.Context(), req.Year, req.ScenarioID)
	if err != nil {
		if isBadKey(err) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		apierrors.InternalServerError(c, "Failed to query recommendations", err)
		return
	}

	c.JSON(http.StatusOK, RecommendationsResponse{
		Recommendations: recommendations,
		Count:           len(recommendations),
	})
}

// GetConstraints handles GET /api/v1/constraints.
func (h *PlanningHandler) GetConstraints(c *gin.Context) {
	cs, err := h.service.Constraints(c.Request.Context())
	if err != nil {
		if errors.Is(err, services.ErrMissingConstraints) {
			apierrors.NotFound(c, "No active constraint set configured")
			return
		}
		apierrors.InternalServerError(c, "Failed to query constraints", err)
		return
	}

	c.JSON(http.StatusOK, cs)
}

// UpdateConstraints handles PATCH /api/v1/constraints.
func (h *PlanningHandler) UpdateConstraints(c *gin.Context) {
	var req ConstraintsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			apierrors.ValidationError(c, validationErrors)
			return
		}
		apierrors.BadRequest(c, "Invalid JSON body", nil)
		return
	}

	cs := models.ConstraintSet{
		ConstraintID:      models.DefaultConstraintID,
		ClassSizeMax:      req.ClassSizeMax,
		MaxDistanceKm:     req.MaxDistanceKm,
		MinConditionScore: req.MinConditionScore,
	}

	if err := h.service.UpdateConstraints(c.Request.Context(), cs); err != nil {
		if errors.Is(err, services.ErrInvalidConstraints) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		if errors.Is(err, services.ErrMissingConstraints) {
			apierrors.NotFound(c, "No active constraint set configured")
			return
		}
		apierrors.InternalServerError(c, "Failed to update constraints", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Export handles GET /api/v1/export.
// It streams one derived table for the key as a CSV attachment.
func (h *PlanningHandler) Export(c *gin.Context) {
	var req ExportRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		apierrors.BadRequest(c, "Invalid query parameters", nil)
		return
	}

	export, err := h.service.Export(c.Request.Context(), req.Dataset, req.Year, req.ScenarioID)
	if err != nil {
		if isBadKey(err) || errors.Is(err, services.ErrInvalidDataset) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		apierrors.InternalServerError(c, "Failed to export dataset", err)
		return
	}

	filename := fmt.Sprintf("%s_%s_%d.csv", req.Dataset, req.ScenarioID, req.Year)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write(export.Columns); err != nil {
		return
	}
	for _, row := range export.Rows {
		if err := w.Write(row); err != nil {
			return
		}
	}
	w.Flush()
}
