package engine

import (
	"fmt"

	"github.com/jmalmgren/skolplan/api/internal/geo"
	"github.com/jmalmgren/skolplan/api/internal/models"
)

// Rule thresholds. Utilization percentages are compared strictly (<), so a
// school at exactly 40% is not a close candidate and a pair at exactly 55%
// is not a merge candidate.
const (
	closeUtilizationPct = 40.0
	mergeUtilizationPct = 55.0

	// A deficit beyond this many class sizes warrants a new build rather
	// than resizing an existing school.
	newBuildClassFactor = 4
)

// Generate applies the planning rules over the derived capacity and
// utilization rows and returns the full recommendation set for the key.
// Rules run in a fixed order (close, merge, capacity) and sequence ids are
// assigned 1..N over the combined result, so identical inputs always yield a
// byte-identical set.
//
// Schools must be the active schools for the year in their storage order
// (ascending school id); that order, together with the district enumeration
// order of capacities, fixes the output order.
func Generate(schools []models.School, utilizations []models.SchoolUtilization, capacities []models.DistrictCapacity, cs models.ConstraintSet, year int, scenario string) []models.Recommendation {
	utilBySchool := make(map[string]models.SchoolUtilization, len(utilizations))
	for _, su := range utilizations {
		utilBySchool[su.SchoolID] = su
	}

	var recs []models.Recommendation

	// Close rule: poorly utilized schools in poor physical condition.
	for i := range schools {
		s := &schools[i]
		su, ok := utilBySchool[s.SchoolID]
		if !ok {
			continue
		}
		if su.UtilizationPct < closeUtilizationPct && s.ConditionScore < cs.MinConditionScore {
			schoolID := s.SchoolID
			recs = append(recs, models.Recommendation{
				DistrictID:     s.DistrictID,
				SchoolID:       &schoolID,
				ActionType:     models.ActionClose,
				Reason:         fmt.Sprintf("Låg beläggning (%.1f%%) och svagt skick (%d).", su.UtilizationPct, s.ConditionScore),
				ImpactStudents: su.EnrolledEstimate,
				ImpactCapacity: -s.CapacityTotal,
			})
		}
	}

	// Merge rule: pairs of under-utilized schools in the same district within
	// merge distance. Each unordered pair is considered exactly once and the
	// recommendation is attributed to the pair member that appears first; a
	// school may still appear in several merge recommendations if it pairs
	// under-threshold with several neighbors.
	districtOrder := make([]string, 0)
	schoolsByDistrict := make(map[string][]*models.School)
	for i := range schools {
		s := &schools[i]
		if _, ok := schoolsByDistrict[s.DistrictID]; !ok {
			districtOrder = append(districtOrder, s.DistrictID)
		}
		schoolsByDistrict[s.DistrictID] = append(schoolsByDistrict[s.DistrictID], s)
	}

	for _, districtID := range districtOrder {
		group := schoolsByDistrict[districtID]
		for i := 0; i < len(group); i++ {
			a := group[i]
			ua, ok := utilBySchool[a.SchoolID]
			if !ok {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				b := group[j]
				ub, ok := utilBySchool[b.SchoolID]
				if !ok {
					continue
				}
				if ua.UtilizationPct >= mergeUtilizationPct || ub.UtilizationPct >= mergeUtilizationPct {
					continue
				}
				distance := geo.HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
				if distance < cs.MaxDistanceKm {
					schoolID := a.SchoolID
					recs = append(recs, models.Recommendation{
						DistrictID:     districtID,
						SchoolID:       &schoolID,
						ActionType:     models.ActionMerge,
						Reason:         fmt.Sprintf("Sammanslagning med %s: låg beläggning och avstånd %.2f km.", b.Name, distance),
						ImpactStudents: ua.EnrolledEstimate + ub.EnrolledEstimate,
						ImpactCapacity: -(min(a.CapacityTotal, b.CapacityTotal) / 2),
					})
				}
			}
		}
	}

	// Capacity rule: district-level deficit tiers. At most one recommendation
	// per district; a deficit within one class size of balance yields none.
	for _, dc := range capacities {
		deficit := dc.SurplusDeficit
		switch {
		case deficit < -(cs.ClassSizeMax * newBuildClassFactor):
			recs = append(recs, models.Recommendation{
				DistrictID:     dc.DistrictID,
				ActionType:     models.ActionNewBuild,
				Reason:         fmt.Sprintf("Kapacitetsunderskott %d elever i distriktet.", -deficit),
				ImpactStudents: -deficit,
				ImpactCapacity: -deficit,
			})
		case deficit < -cs.ClassSizeMax:
			recs = append(recs, models.Recommendation{
				DistrictID:     dc.DistrictID,
				ActionType:     models.ActionResize,
				Reason:         fmt.Sprintf("Mindre underskott %d elever i distriktet.", -deficit),
				ImpactStudents: -deficit,
				ImpactCapacity: -deficit,
			})
		}
	}

	for i := range recs {
		recs[i].RecID = fmt.Sprintf("rec_%d_%s_%d", year, scenario, i+1)
		recs[i].Year = year
		recs[i].ScenarioID = scenario
		recs[i].Status = models.RecommendationStatusProposed
	}

	return recs
}
