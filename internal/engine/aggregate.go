// Package engine implements the capacity and recommendation computations.
// All functions are pure: they transform catalog and forecast data into
// derived rows for one (year, scenario) key without touching storage, so the
// repository layer owns the transactional replace and the engine stays
// trivially testable.
package engine

import (
	"github.com/jmalmgren/skolplan/api/internal/models"
)

// AggregateCapacity derives the per-district capacity balance for the given
// year and scenario. Every district yields exactly one row, in the order the
// districts are supplied: capacity is the sum of seat capacities of schools
// active in that year, demand is the forecast value for the key (0 when no
// forecast entry exists), and the surplus/deficit is their difference.
func AggregateCapacity(districts []models.District, schools []models.School, forecast []models.ForecastEntry, year int, scenario string) []models.DistrictCapacity {
	capacityByDistrict := make(map[string]int, len(districts))
	for i := range schools {
		s := &schools[i]
		if s.IsActive(year) {
			capacityByDistrict[s.DistrictID] += s.CapacityTotal
		}
	}

	demandByDistrict := make(map[string]int, len(forecast))
	for _, f := range forecast {
		if f.Year == year && f.ScenarioID == scenario {
			demandByDistrict[f.DistrictID] = f.ExpectedStudents
		}
	}

	capacities := make([]models.DistrictCapacity, 0, len(districts))
	for _, d := range districts {
		capacity := capacityByDistrict[d.DistrictID]
		demand := demandByDistrict[d.DistrictID]
		capacities = append(capacities, models.DistrictCapacity{
			DistrictID:     d.DistrictID,
			Year:           year,
			ScenarioID:     scenario,
			CapacityTotal:  capacity,
			DemandTotal:    demand,
			SurplusDeficit: capacity - demand,
		})
	}

	return capacities
}
