package engine

import (
	"math"

	"github.com/jmalmgren/skolplan/api/internal/models"
)

// EstimateUtilization derives per-school enrollment estimates for the given
// year and scenario by allocating each district's forecast demand across its
// active schools in proportion to seat capacity. One row is produced per
// active school, in the order the schools are supplied.
//
// The estimate rounds half away from zero (math.Round); this is load-bearing
// for the rule thresholds downstream and must not change silently. A school
// with zero capacity, or in a district with zero total capacity, gets a zero
// estimate and zero utilization rather than a division error. Because each
// school rounds independently, the district-wide sum of estimates only
// approximates the district demand.
func EstimateUtilization(schools []models.School, capacities []models.DistrictCapacity, year int, scenario string) []models.SchoolUtilization {
	capacityByDistrict := make(map[string]models.DistrictCapacity, len(capacities))
	for _, dc := range capacities {
		capacityByDistrict[dc.DistrictID] = dc
	}

	utilizations := make([]models.SchoolUtilization, 0, len(schools))
	for i := range schools {
		s := &schools[i]
		if !s.IsActive(year) {
			continue
		}

		var enrolled int
		var utilPct float64
		dc := capacityByDistrict[s.DistrictID]
		if s.CapacityTotal > 0 && dc.CapacityTotal > 0 {
			share := float64(s.CapacityTotal) / float64(dc.CapacityTotal)
			enrolled = int(math.Round(float64(dc.DemandTotal) * share))
			utilPct = float64(enrolled) / float64(s.CapacityTotal) * 100
		}

		utilizations = append(utilizations, models.SchoolUtilization{
			SchoolID:         s.SchoolID,
			Year:             year,
			ScenarioID:       scenario,
			EnrolledEstimate: enrolled,
			UtilizationPct:   utilPct,
		})
	}

	return utilizations
}
