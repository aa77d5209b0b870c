package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	apierrors "github.com/jmalmgren/skolplan/api/internal/errors"
	"github.com/jmalmgren/skolplan/api/internal/models"
	"github.com/jmalmgren/skolplan/api/internal/services"
)

// Default key used by the serving layer when the caller does not pick one.
const (
	DefaultYear       = 2026
	DefaultScenarioID = "base"
)

// CatalogHandler serves the read-only reference data: districts, schools and
// forecast entries.
type CatalogHandler struct {
	service services.PlanningService
}

// NewCatalogHandler creates a new CatalogHandler instance.
func NewCatalogHandler(service services.PlanningService) *CatalogHandler {
	return &CatalogHandler{
		service: service,
	}
}

// SchoolsRequest represents the query parameters for the schools endpoint.
type SchoolsRequest struct {
	Year       int    `form:"year,default=2026"`
	DistrictID string `form:"district_id"`
}

// ForecastRequest represents the query parameters for the forecast endpoint.
type ForecastRequest struct {
	ScenarioID string `form:"scenario_id,default=base"`
	DistrictID string `form:"district_id"`
}

// DistrictsResponse represents the response for the districts endpoint.
type DistrictsResponse struct {
	Districts []models.District `json:"districts"`
	Count     int               `json:"count"`
}

// SchoolsResponse represents the response for the schools endpoint.
type SchoolsResponse struct {
	Schools []models.School `json:"schools"`
	Count   int             `json:"count"`
}

// ForecastResponse represents the response for the forecast endpoint.
type ForecastResponse struct {
	Forecast []models.ForecastEntry `json:"forecast"`
	Count    int                    `json:"count"`
}

// Districts handles GET /api/v1/districts.
func (h *CatalogHandler) Districts(c *gin.Context) {
	districts, err := h.service.Districts(c.Request.Context())
	if err != nil {
		apierrors.InternalServerError(c, "Failed to query districts", err)
		return
	}

	c.JSON(http.StatusOK, DistrictsResponse{
		Districts: districts,
		Count:     len(districts),
	})
}

// Schools handles GET /api/v1/schools.
// It returns schools whose operating window covers the requested year.
func (h *CatalogHandler) Schools(c *gin.Context) {
	var req SchoolsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			apierrors.ValidationError(c, validationErrors)
			return
		}
		apierrors.BadRequest(c, "Invalid query parameters", nil)
		return
	}

	schools, err := h.service.Schools(c.Request.Context(), req.Year, req.DistrictID)
	if err != nil {
		if errors.Is(err, services.ErrInvalidYear) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		apierrors.InternalServerError(c, "Failed to query schools", err)
		return
	}

	c.JSON(http.StatusOK, SchoolsResponse{
		Schools: schools,
		Count:   len(schools),
	})
}

// Forecast handles GET /api/v1/forecast.
func (h *CatalogHandler) Forecast(c *gin.Context) {
	var req ForecastRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			apierrors.ValidationError(c, validationErrors)
			return
		}
		apierrors.BadRequest(c, "Invalid query parameters", nil)
		return
	}

	entries, err := h.service.Forecast(c.Request.Context(), req.ScenarioID, req.DistrictID)
	if err != nil {
		if errors.Is(err, services.ErrInvalidScenario) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		apierrors.InternalServerError(c, "Failed to query forecast", err)
		return
	}

	c.JSON(http.StatusOK, ForecastResponse{
		Forecast: entries,
		Count:    len(entries),
	})
}
