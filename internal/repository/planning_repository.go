package repository

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jmalmgren/skolplan/api/internal/database"
	"github.com/jmalmgren/skolplan/api/internal/models"
)

// ErrNoConstraints is returned when the default constraint row is missing.
// The rule engine cannot run without thresholds, so callers treat this as
// a fatal configuration error.
var ErrNoConstraints = errors.New("constraint set not found")

// DistrictCapacityRow is a derived capacity row joined with the district name
// for the serving layer.
type DistrictCapacityRow struct {
	DistrictID     string `json:"district_id"`
	DistrictName   string `json:"district_name"`
	CapacityTotal  int    `json:"capacity_total"`
	DemandTotal    int    `json:"demand_total"`
	SurplusDeficit int    `json:"surplus_deficit"`
}

// SchoolUtilizationRow is a derived utilization row joined with the school
// name and district for the serving layer.
type SchoolUtilizationRow struct {
	SchoolID         string  `json:"school_id"`
	SchoolName       string  `json:"school_name"`
	DistrictID       string  `json:"district_id"`
	EnrolledEstimate int     `json:"enrolled_estimate"`
	UtilizationPct   float64 `json:"utilization_pct"`
}

// RecommendationRow is a recommendation joined with district and school names
// for the serving layer. Name fields are nil when the referenced entity no
// longer exists in the catalog.
type RecommendationRow struct {
	RecID          string  `json:"rec_id"`
	Year           int     `json:"year"`
	ScenarioID     string  `json:"scenario_id"`
	DistrictID     string  `json:"district_id"`
	DistrictName   *string `json:"district_name,omitempty"`
	SchoolID       *string `json:"school_id,omitempty"`
	SchoolName     *string `json:"school_name,omitempty"`
	ActionType     string  `json:"action_type"`
	Reason         string  `json:"reason"`
	ImpactStudents int     `json:"impact_students"`
	ImpactCapacity int     `json:"impact_capacity"`
	Status         string  `json:"status"`
}

// KPISummary aggregates district capacity rows for the dashboard.
type KPISummary struct {
	TotalStudents       int     `json:"total_students"`
	TotalCapacity       int     `json:"total_capacity"`
	TotalSurplusDeficit int     `json:"total_surplus_deficit"`
	UtilizationPct      float64 `json:"utilization_pct"`
}

// ExportDataset holds one derived table rendered as rows of strings for CSV
// export. Null columns are rendered as empty strings.
type ExportDataset struct {
	Columns []string
	Rows    [][]string
}

// PlanningRepository defines data access for the capacity planning engine and
// its read-only serving surface. Catalog and forecast tables are only ever
// read; the three derived tables are only written through ReplaceDerived.
type PlanningRepository interface {
	// Districts returns the full district catalog ordered by district id.
	Districts(ctx context.Context) ([]models.District, error)

	// Schools returns schools whose operating window covers the given year,
	// ordered by name, optionally filtered to one district. This is the
	// serving-layer read and does not filter on status.
	Schools(ctx context.Context, year int, districtID string) ([]models.School, error)

	// ActiveSchools returns schools active in the given year ordered by
	// school id. This order is the stable iteration order the rule engine
	// depends on.
	ActiveSchools(ctx context.Context, year int) ([]models.School, error)

	// Forecast returns forecast entries for a scenario ordered by year and
	// district, optionally filtered to one district.
	Forecast(ctx context.Context, scenarioID, districtID string) ([]models.ForecastEntry, error)

	// ForecastFor returns the forecast entries for one (year, scenario) key.
	ForecastFor(ctx context.Context, year int, scenarioID string) ([]models.ForecastEntry, error)

	// ActiveConstraints returns the constraint set in force.
	// Returns ErrNoConstraints if the default row is missing.
	ActiveConstraints(ctx context.Context) (*models.ConstraintSet, error)

	// UpdateConstraints replaces the threshold values of the default
	// constraint row.
	UpdateConstraints(ctx context.Context, cs models.ConstraintSet) error

	// ReplaceDerived atomically replaces all derived rows for one
	// (year, scenario) key: district capacities, school utilizations and
	// recommendations are deleted and re-inserted in a single transaction.
	// Concurrent calls for the same key are serialized with an advisory
	// lock, so readers never observe a partially replaced set.
	ReplaceDerived(ctx context.Context, year int, scenarioID string, caps []models.DistrictCapacity, utils []models.SchoolUtilization, recs []models.Recommendation) error

	// DistrictCapacities returns the derived capacity rows for a key,
	// joined with district names, ordered by district id.
	DistrictCapacities(ctx context.Context, year int, scenarioID string) ([]DistrictCapacityRow, error)

	// SchoolUtilizations returns the derived utilization rows for a key,
	// joined with school names, ordered by utilization descending.
	SchoolUtilizations(ctx context.Context, year int, scenarioID, districtID string) ([]SchoolUtilizationRow, error)

	// Recommendations returns the recommendations for a key joined with
	// district and school names, ordered by rec id.
	Recommendations(ctx context.Context, year int, scenarioID string) ([]RecommendationRow, error)

	// KPIs aggregates the derived capacity rows for a key, optionally
	// filtered to one district.
	KPIs(ctx context.Context, year int, scenarioID, districtID string) (*KPISummary, error)

	// ExportDerived returns one derived table for a key as string rows for
	// CSV export. The dataset name must be one of district_capacity,
	// school_utilization or recommendations.
	ExportDerived(ctx context.Context, dataset string, year int, scenarioID string) (*ExportDataset, error)
}

// planningRepository is the concrete pgx-backed implementation.
type planningRepository struct {
	db *database.Database
}

// NewPlanningRepository creates a new instance of PlanningRepository.
func NewPlanningRepository(db *database.Database) PlanningRepository {
	return &planningRepository{
		db: db,
	}
}

func (r *planningRepository) Districts(ctx context.Context) ([]models.District, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT district_id, name, geom_wkt, area_km2
		FROM districts
		ORDER BY district_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query districts: %w", err)
	}
	defer rows.Close()

	districts := []models.District{}
	for rows.Next() {
		var d models.District
		if err := rows.Scan(&d.DistrictID, &d.Name, &d.GeomWKT, &d.AreaKm2); err != nil {
			return nil, fmt.Errorf("failed to scan district row: %w", err)
		}
		districts = append(districts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating district rows: %w", err)
	}

	return districts, nil
}

const schoolColumns = `school_id, district_id, name, x_lon, y_lat, capacity_total, condition_score, status, opened_year, closed_year`

func scanSchools(rows pgx.Rows) ([]models.School, error) {
	schools := []models.School{}
	for rows.Next() {
		var s models.School
		err := rows.Scan(
			&s.SchoolID,
			&s.DistrictID,
			&s.Name,
			&s.Lon,
			&s.Lat,
			&s.CapacityTotal,
			&s.ConditionScore,
			&s.Status,
			&s.OpenedYear,
			&s.ClosedYear,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan school row: %w", err)
		}
		schools = append(schools, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating school rows: %w", err)
	}
	return schools, nil
}

func (r *planningRepository) Schools(ctx context.Context, year int, districtID string) ([]models.School, error) {
	query := `
		SELECT ` + schoolColumns + `
		FROM schools
		WHERE (opened_year IS NULL OR opened_year <= $1)
		  AND (closed_year IS NULL OR closed_year >= $1)
		  AND ($2 = '' OR district_id = $2)
		ORDER BY name
	`

	rows, err := r.db.Pool.Query(ctx, query, year, districtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schools (year=%d): %w", year, err)
	}
	defer rows.Close()

	return scanSchools(rows)
}

func (r *planningRepository) ActiveSchools(ctx context.Context, year int) ([]models.School, error) {
	query := `
		SELECT ` + schoolColumns + `
		FROM schools
		WHERE status = 'active'
		  AND (opened_year IS NULL OR opened_year <= $1)
		  AND (closed_year IS NULL OR closed_year >= $1)
		ORDER BY school_id
	`

	rows, err := r.db.Pool.Query(ctx, query, year)
	if err != nil {
		return nil, fmt.Errorf("failed to query active schools (year=%d): %w", year, err)
	}
	defer rows.Close()

	return scanSchools(rows)
}

func (r *planningRepository) Forecast(ctx context.Context, scenarioID, districtID string) ([]models.ForecastEntry, error) {
	query := `
		SELECT district_id, year, scenario_id, expected_students
		FROM forecast
		WHERE scenario_id = $1
		  AND ($2 = '' OR district_id = $2)
		ORDER BY year, district_id
	`

	rows, err := r.db.Pool.Query(ctx, query, scenarioID, districtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast (scenario=%s): %w", scenarioID, err)
	}
	defer rows.Close()

	return scanForecast(rows)
}

func (r *planningRepository) ForecastFor(ctx context.Context, year int, scenarioID string) ([]models.ForecastEntry, error) {
	query := `
		SELECT district_id, year, scenario_id, expected_students
		FROM forecast
		WHERE year = $1 AND scenario_id = $2
		ORDER BY district_id
	`

	rows, err := r.db.Pool.Query(ctx, query, year, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast (year=%d, scenario=%s): %w", year, scenarioID, err)
	}
	defer rows.Close()

	return scanForecast(rows)
}

func scanForecast(rows pgx.Rows) ([]models.ForecastEntry, error) {
	entries := []models.ForecastEntry{}
	for rows.Next() {
		var f models.ForecastEntry
		if err := rows.Scan(&f.DistrictID, &f.Year, &f.ScenarioID, &f.ExpectedStudents); err != nil {
			return nil, fmt.Errorf("failed to scan forecast row: %w", err)
		}
		entries = append(entries, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating forecast rows: %w", err)
	}
	return entries, nil
}

func (r *planningRepository) ActiveConstraints(ctx context.Context) (*models.ConstraintSet, error) {
	query := `
		SELECT constraint_id, class_size_max, max_distance_km, min_condition_score
		FROM constraints
		WHERE constraint_id = $1
	`

	var cs models.ConstraintSet
	err := r.db.Pool.QueryRow(ctx, query, models.DefaultConstraintID).Scan(
		&cs.ConstraintID,
		&cs.ClassSizeMax,
		&cs.MaxDistanceKm,
		&cs.MinConditionScore,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoConstraints
		}
		return nil, fmt.Errorf("failed to query constraints: %w", err)
	}

	return &cs, nil
}

func (r *planningRepository) UpdateConstraints(ctx context.Context, cs models.ConstraintSet) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE constraints
		   SET class_size_max = $1, max_distance_km = $2, min_condition_score = $3
		 WHERE constraint_id = $4
	`, cs.ClassSizeMax, cs.MaxDistanceKm, cs.MinConditionScore, models.DefaultConstraintID)
	if err != nil {
		return fmt.Errorf("failed to update constraints: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoConstraints
	}

	return nil
}

// replaceLockKey derives the advisory lock key serializing derived-table
// replacement for one (year, scenario) pair. FNV-1a keeps the key stable
// across processes without a lock table.
func replaceLockKey(year int, scenarioID string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "skolplan:derived:%d:%s", year, scenarioID)
	return int64(h.Sum64())
}

func (r *planningRepository) ReplaceDerived(ctx context.Context, year int, scenarioID string, caps []models.DistrictCapacity, utils []models.SchoolUtilization, recs []models.Recommendation) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin replace transaction (year=%d, scenario=%s): %w", year, scenarioID, err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent replacements of the same key. The lock is held
	// until commit or rollback, so a torn delete+insert interleaving cannot
	// occur even across processes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, replaceLockKey(year, scenarioID)); err != nil {
		return fmt.Errorf("failed to acquire replace lock (year=%d, scenario=%s): %w", year, scenarioID, err)
	}

	for _, table := range []string{"district_capacity", "school_utilization", "recommendations"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE year = $1 AND scenario_id = $2`, year, scenarioID); err != nil {
			return fmt.Errorf("failed to clear %s (year=%d, scenario=%s): %w", table, year, scenarioID, err)
		}
	}

	for _, dc := range caps {
		_, err := tx.Exec(ctx, `
			INSERT INTO district_capacity (district_id, year, scenario_id, capacity_total, demand_total, surplus_deficit)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, dc.DistrictID, dc.Year, dc.ScenarioID, dc.CapacityTotal, dc.DemandTotal, dc.SurplusDeficit)
		if err != nil {
			return fmt.Errorf("failed to insert district capacity for %s: %w", dc.DistrictID, err)
		}
	}

	for _, su := range utils {
		_, err := tx.Exec(ctx, `
			INSERT INTO school_utilization (school_id, year, scenario_id, enrolled_estimate, utilization_pct)
			VALUES ($1, $2, $3, $4, $5)
		`, su.SchoolID, su.Year, su.ScenarioID, su.EnrolledEstimate, su.UtilizationPct)
		if err != nil {
			return fmt.Errorf("failed to insert school utilization for %s: %w", su.SchoolID, err)
		}
	}

	for _, rec := range recs {
		_, err := tx.Exec(ctx, `
			INSERT INTO recommendations (rec_id, year, scenario_id, district_id, school_id, action_type, reason, impact_students, impact_capacity, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, rec.RecID, rec.Year, rec.ScenarioID, rec.DistrictID, rec.SchoolID, rec.ActionType, rec.Reason, rec.ImpactStudents, rec.ImpactCapacity, rec.Status)
		if err != nil {
			return fmt.Errorf("failed to insert recommendation %s: %w", rec.RecID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit replace transaction (year=%d, scenario=%s): %w", year, scenarioID, err)
	}

	return nil
}

func (r *planningRepository) DistrictCapacities(ctx context.Context, year int, scenarioID string) ([]DistrictCapacityRow, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT dc.district_id, d.name, dc.capacity_total, dc.demand_total, dc.surplus_deficit
		FROM district_capacity dc
		JOIN districts d ON d.district_id = dc.district_id
		WHERE dc.year = $1 AND dc.scenario_id = $2
		ORDER BY dc.district_id
	`, year, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query district capacities (year=%d, scenario=%s): %w", year, scenarioID, err)
	}
	defer rows.Close()

	result := []DistrictCapacityRow{}
	for rows.Next() {
		var row DistrictCapacityRow
		if err := rows.Scan(&row.DistrictID, &row.DistrictName, &row.CapacityTotal, &row.DemandTotal, &row.SurplusDeficit); err != nil {
			return nil, fmt.Errorf("failed to scan district capacity row: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating district capacity rows: %w", err)
	}

	return result, nil
}

func (r *planningRepository) SchoolUtilizations(ctx context.Context, year int, scenarioID, districtID string) ([]SchoolUtilizationRow, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT su.school_id, s.name, s.district_id, su.enrolled_estimate, su.utilization_pct
		FROM school_utilization su
		JOIN schools s ON s.school_id = su.school_id
		WHERE su.year = $1 AND su.scenario_id = $2
		  AND ($3 = '' OR s.district_id = $3)
		ORDER BY su.utilization_pct DESC, su.school_id
	`, year, scenarioID, districtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query school utilizations (year=%d, scenario=%s): %w", year, scenarioID, err)
	}
	defer rows.Close()

	result := []SchoolUtilizationRow{}
	for rows.Next() {
		var row SchoolUtilizationRow
		if err := rows.Scan(&row.SchoolID, &row.SchoolName, &row.DistrictID, &row.EnrolledEstimate, &row.UtilizationPct); err != nil {
			return nil, fmt.Errorf("failed to scan school utilization row: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating school utilization rows: %w", err)
	}

	return result, nil
}

func (r *planningRepository) Recommendations(ctx context.Context, year int, scenarioID string) ([]RecommendationRow, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT r.rec_id, r.year, r.scenario_id, r.district_id, d.name,
		       r.school_id, s.name, r.action_type, r.reason,
		       r.impact_students, r.impact_capacity, r.status
		FROM recommendations r
		LEFT JOIN districts d ON d.district_id = r.district_id
		LEFT JOIN schools s ON s.school_id = r.school_id
		WHERE r.year = $1 AND r.scenario_id = $2
		ORDER BY r.rec_id
	`, year, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations (year=%d, scenario=%s): %w", year, scenarioID, err)
	}
	defer rows.Close()

	result := []RecommendationRow{}
	for rows.Next() {
		var row RecommendationRow
		err := rows.Scan(
			&row.RecID,
			&row.Year,
			&row.ScenarioID,
			&row.DistrictID,
			&row.DistrictName,
			&row.SchoolID,
			&row.SchoolName,
			&row.ActionType,
			&row.Reason,
			&row.ImpactStudents,
			&row.ImpactCapacity,
			&row.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recommendation row: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recommendation rows: %w", err)
	}

	return result, nil
}

func (r *planningRepository) KPIs(ctx context.Context, year int, scenarioID, districtID string) (*KPISummary, error) {
	query := `
		SELECT
		  COALESCE(SUM(dc.demand_total), 0),
		  COALESCE(SUM(dc.capacity_total), 0),
		  COALESCE(SUM(dc.surplus_deficit), 0),
		  CASE WHEN COALESCE(SUM(dc.capacity_total), 0) = 0 THEN 0
		       ELSE ROUND(100.0 * SUM(dc.demand_total) / SUM(dc.capacity_total), 2)
		  END::double precision
		FROM district_capacity dc
		WHERE dc.year = $1 AND dc.scenario_id = $2
		  AND ($3 = '' OR dc.district_id = $3)
	`

	var kpi KPISummary
	err := r.db.Pool.QueryRow(ctx, query, year, scenarioID, districtID).Scan(
		&kpi.TotalStudents,
		&kpi.TotalCapacity,
		&kpi.TotalSurplusDeficit,
		&kpi.UtilizationPct,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query kpis (year=%d, scenario=%s): %w", year, scenarioID, err)
	}

	return &kpi, nil
}

// exportQueries whitelists the derived tables available for CSV export, with
// a deterministic row order per table.
var exportQueries = map[string]string{
	"district_capacity": `
		SELECT district_id, year, scenario_id, capacity_total, demand_total, surplus_deficit
		FROM district_capacity
		WHERE year = $1 AND scenario_id = $2
		ORDER BY district_id`,
	"school_utilization": `
		SELECT school_id, year, scenario_id, enrolled_estimate, utilization_pct
		FROM school_utilization
		WHERE year = $1 AND scenario_id = $2
		ORDER BY school_id`,
	"recommendations": `
		SELECT rec_id, year, scenario_id, district_id, school_id, action_type, reason, impact_students, impact_capacity, status
		FROM recommendations
		WHERE year = $1 AND scenario_id = $2
		ORDER BY rec_id`,
}

func (r *planningRepository) ExportDerived(ctx context.Context, dataset string, year int, scenarioID string) (*ExportDataset, error) {
	query, ok := exportQueries[dataset]
	if !ok {
		return nil, fmt.Errorf("unsupported export dataset: %s", dataset)
	}

	rows, err := r.db.Pool.Query(ctx, query, year, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query export dataset %s (year=%d, scenario=%s): %w", dataset, year, scenarioID, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	export := &ExportDataset{Columns: columns, Rows: [][]string{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read export row: %w", err)
		}
		record := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				record[i] = ""
				continue
			}
			record[i] = fmt.Sprint(v)
		}
		export.Rows = append(export.Rows, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating export rows: %w", err)
	}

	return export, nil
}
