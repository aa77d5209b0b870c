package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jmalmgren/skolplan/api/internal/engine"
	"github.com/jmalmgren/skolplan/api/internal/logger"
	"github.com/jmalmgren/skolplan/api/internal/models"
	"github.com/jmalmgren/skolplan/api/internal/repository"
)

// Planning year bounds. Forecasts live around the mid-2020s to 2030s; the
// wide window only guards against obviously malformed input.
const (
	MinPlanningYear = 1990
	MaxPlanningYear = 2100
)

// scenarioIDPattern constrains scenario identifiers to short lowercase slugs
// such as "base", "low" or "high".
var scenarioIDPattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// Service-level errors
var (
	ErrInvalidYear        = errors.New("invalid year")
	ErrInvalidScenario    = errors.New("invalid scenario id")
	ErrMissingConstraints = errors.New("no active constraint set")
	ErrInvalidConstraints = errors.New("invalid constraint values")
	ErrInvalidDataset     = errors.New("unsupported export dataset")
)

// exportDatasets whitelists the derived tables exposed through CSV export.
var exportDatasets = map[string]bool{
	"district_capacity":  true,
	"school_utilization": true,
	"recommendations":    true,
}

// PlanningService defines the business operations of the capacity planning
// engine and its read-only query surface.
type PlanningService interface {
	// RunRecommendations recomputes and atomically replaces all derived
	// rows (district capacities, school utilizations, recommendations) for
	// the given (year, scenario) key. The operation is idempotent: with
	// unchanged inputs a re-run produces an identical derived set. Nothing
	// is written if validation fails or the constraint set is missing.
	RunRecommendations(ctx context.Context, year int, scenarioID string) error

	// Districts returns the district catalog.
	Districts(ctx context.Context) ([]models.District, error)

	// Schools returns schools whose operating window covers the year,
	// optionally filtered to one district.
	Schools(ctx context.Context, year int, districtID string) ([]models.School, error)

	// Forecast returns the forecast entries for a scenario, optionally
	// filtered to one district.
	Forecast(ctx context.Context, scenarioID, districtID string) ([]models.ForecastEntry, error)

	// DistrictCapacities returns the derived capacity rows for a key.
	DistrictCapacities(ctx context.Context, year int, scenarioID string) ([]repository.DistrictCapacityRow, error)

	// SchoolUtilizations returns the derived utilization rows for a key.
	SchoolUtilizations(ctx context.Context, year int, scenarioID, districtID string) ([]repository.SchoolUtilizationRow, error)

	// Recommendations returns the recommendations for a key.
	Recommendations(ctx context.Context, year int, scenarioID string) ([]repository.RecommendationRow, error)

	// KPIs returns aggregate capacity figures for a key.
	KPIs(ctx context.Context, year int, scenarioID, districtID string) (*repository.KPISummary, error)

	// Constraints returns the constraint set in force.
	// Returns ErrMissingConstraints if none is configured.
	Constraints(ctx context.Context) (*models.ConstraintSet, error)

	// UpdateConstraints replaces the active planning thresholds.
	// Returns ErrInvalidConstraints for non-positive values.
	UpdateConstraints(ctx context.Context, cs models.ConstraintSet) error

	// Export returns one derived table for a key as CSV-ready rows.
	// Returns ErrInvalidDataset for unknown dataset names.
	Export(ctx context.Context, dataset string, year int, scenarioID string) (*repository.ExportDataset, error)
}

// planningService is the concrete implementation of PlanningService.
type planningService struct {
	repo repository.PlanningRepository
	log  *logger.Logger
}

// NewPlanningService creates a new instance of PlanningService.
func NewPlanningService(repo repository.PlanningRepository, log *logger.Logger) PlanningService {
	return &planningService{
		repo: repo,
		log:  log,
	}
}

// validateKey rejects malformed (year, scenario) keys before any storage
// access, so a validation failure can never leave partial writes behind.
func (s *planningService) validateKey(year int, scenarioID string) error {
	if year < MinPlanningYear || year > MaxPlanningYear {
		return fmt.Errorf("%w: year must be between %d and %d, got %d",
			ErrInvalidYear, MinPlanningYear, MaxPlanningYear, year)
	}
	if !scenarioIDPattern.MatchString(scenarioID) {
		return fmt.Errorf("%w: %q", ErrInvalidScenario, scenarioID)
	}
	return nil
}

// RunRecommendations validates the key, loads the constraint set and catalog
// inputs, runs the aggregation, utilization and rule stages, and replaces the
// derived rows for the key in one transaction.
func (s *planningService) RunRecommendations(ctx context.Context, year int, scenarioID string) error {
	if err := s.validateKey(year, scenarioID); err != nil {
		s.log.Warn("Rejected recommendation run", map[string]interface{}{
			"year":     year,
			"scenario": scenarioID,
			"reason":   err.Error(),
		})
		return err
	}

	// Constraints are read exactly once per run; a concurrent update can
	// never be observed with two different values inside one run.
	cs, err := s.repo.ActiveConstraints(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNoConstraints) {
			s.log.Error("Recommendation run aborted: constraint set missing", err, map[string]interface{}{
				"year":     year,
				"scenario": scenarioID,
			})
			return ErrMissingConstraints
		}
		return fmt.Errorf("failed to load constraints: %w", err)
	}

	districts, err := s.repo.Districts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load districts: %w", err)
	}

	schools, err := s.repo.ActiveSchools(ctx, year)
	if err != nil {
		return fmt.Errorf("failed to load active schools: %w", err)
	}

	forecast, err := s.repo.ForecastFor(ctx, year, scenarioID)
	if err != nil {
		return fmt.Errorf("failed to load forecast: %w", err)
	}

	caps := engine.AggregateCapacity(districts, schools, forecast, year, scenarioID)
	utils := engine.EstimateUtilization(schools, caps, year, scenarioID)
	recs := engine.Generate(schools, utils, caps, *cs, year, scenarioID)

	if err := s.repo.ReplaceDerived(ctx, year, scenarioID, caps, utils, recs); err != nil {
		return fmt.Errorf("failed to replace derived rows: %w", err)
	}

	s.log.Info("Recommendation run completed", map[string]interface{}{
		"year":            year,
		"scenario":        scenarioID,
		"districts":       len(caps),
		"schools":         len(utils),
		"recommendations": len(recs),
	})

	return nil
}

func (s *planningService) Districts(ctx context.Context) ([]models.District, error) {
	districts, err := s.repo.Districts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query districts: %w", err)
	}
	return districts, nil
}

func (s *planningService) Schools(ctx context.Context, year int, districtID string) ([]models.School, error) {
	if year < MinPlanningYear || year > MaxPlanningYear {
		return nil, fmt.Errorf("%w: year must be between %d and %d, got %d",
			ErrInvalidYear, MinPlanningYear, MaxPlanningYear, year)
	}

	schools, err := s.repo.Schools(ctx, year, districtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schools: %w", err)
	}
	return schools, nil
}

func (s *planningService) Forecast(ctx context.Context, scenarioID, districtID string) ([]models.ForecastEntry, error) {
	if !scenarioIDPattern.MatchString(scenarioID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScenario, scenarioID)
	}

	entries, err := s.repo.Forecast(ctx, scenarioID, districtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast: %w", err)
	}
	return entries, nil
}

func (s *planningService) DistrictCapacities(ctx context.Context, year int, scenarioID string) ([]repository.DistrictCapacityRow, error) {
	if err := s.validateKey(year, scenarioID); err != nil {
		return nil, err
	}

	rows, err := s.repo.DistrictCapacities(ctx, year, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query district capacities: %w", err)
	}
	return rows, nil
}

func (s *planningService) SchoolUtilizations(ctx context.Context, year int, scenarioID, districtID string) ([]repository.SchoolUtilizationRow, error) {
	if err := s.validateKey(year, scenarioID); err != nil {
		return nil, err
	}

	rows, err := s.repo.SchoolUtilizations(ctx, year, scenarioID, districtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query school utilizations: %w", err)
	}
	return rows, nil
}

func (s *planningService) Recommendations(ctx context.Context, year int, scenarioID string) ([]repository.RecommendationRow, error) {
	if err := s.validateKey(year, scenarioID); err != nil {
		return nil, err
	}

	rows, err := s.repo.Recommendations(ctx, year, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	return rows, nil
}

func (s *planningService) KPIs(ctx context.Context, year int, scenarioID, districtID string) (*repository.KPISummary, error) {
	if err := s.validateKey(year, scenarioID); err != nil {
		return nil, err
	}

	kpis, err := s.repo.KPIs(ctx, year, scenarioID, districtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query kpis: %w", err)
	}
	return kpis, nil
}

func (s *planningService) Constraints(ctx context.Context) (*models.ConstraintSet, error) {
	cs, err := s.repo.ActiveConstraints(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNoConstraints) {
			return nil, ErrMissingConstraints
		}
		return nil, fmt.Errorf("failed to query constraints: %w", err)
	}
	return cs, nil
}

func (s *planningService) UpdateConstraints(ctx context.Context, cs models.ConstraintSet) error {
	if cs.ClassSizeMax < 1 {
		return fmt.Errorf("%w: class_size_max must be at least 1, got %d", ErrInvalidConstraints, cs.ClassSizeMax)
	}
	if cs.MaxDistanceKm <= 0 {
		return fmt.Errorf("%w: max_distance_km must be positive, got %g", ErrInvalidConstraints, cs.MaxDistanceKm)
	}
	if cs.MinConditionScore < 0 {
		return fmt.Errorf("%w: min_condition_score must be non-negative, got %d", ErrInvalidConstraints, cs.MinConditionScore)
	}

	if err := s.repo.UpdateConstraints(ctx, cs); err != nil {
		if errors.Is(err, repository.ErrNoConstraints) {
			return ErrMissingConstraints
		}
		return fmt.Errorf("failed to update constraints: %w", err)
	}

	s.log.Info("Constraints updated", map[string]interface{}{
		"class_size_max":      cs.ClassSizeMax,
		"max_distance_km":     cs.MaxDistanceKm,
		"min_condition_score": cs.MinConditionScore,
	})

	return nil
}

func (s *planningService) Export(ctx context.Context, dataset string, year int, scenarioID string) (*repository.ExportDataset, error) {
	if !exportDatasets[dataset] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDataset, dataset)
	}
	if err := s.validateKey(year, scenarioID); err != nil {
		return nil, err
	}

	export, err := s.repo.ExportDerived(ctx, dataset, year, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", dataset, err)
	}
	return export, nil
}
