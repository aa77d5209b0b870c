package models

// Recommendation action types.
const (
	ActionClose    = "close"
	ActionMerge    = "merge"
	ActionNewBuild = "new_build"
	ActionResize   = "resize"
)

// RecommendationStatusProposed is the initial status of every generated
// recommendation.
const RecommendationStatusProposed = "proposed"

// DistrictCapacity is the derived capacity balance for one district under a
// (year, scenario) key. SurplusDeficit is CapacityTotal - DemandTotal;
// negative means the district is short of seats.
type DistrictCapacity struct {
	DistrictID     string `json:"district_id"`
	Year           int    `json:"year"`
	ScenarioID     string `json:"scenario_id"`
	CapacityTotal  int    `json:"capacity_total"`
	DemandTotal    int    `json:"demand_total"`
	SurplusDeficit int    `json:"surplus_deficit"`
}

// SchoolUtilization is the derived per-school enrollment estimate for a
// (year, scenario) key, allocated proportionally from district demand.
type SchoolUtilization struct {
	SchoolID         string  `json:"school_id"`
	Year             int     `json:"year"`
	ScenarioID       string  `json:"scenario_id"`
	EnrolledEstimate int     `json:"enrolled_estimate"`
	UtilizationPct   float64 `json:"utilization_pct"`
}

// Recommendation is one proposed planning action for a (year, scenario) key.
// SchoolID is nil for district-level actions (new_build, resize). RecID
// encodes the key and the 1-based sequence position within the run; the whole
// set is regenerated on every run, so ids are stable only within one run.
type Recommendation struct {
	RecID          string  `json:"rec_id"`
	Year           int     `json:"year"`
	ScenarioID     string  `json:"scenario_id"`
	DistrictID     string  `json:"district_id"`
	SchoolID       *string `json:"school_id,omitempty"`
	ActionType     string  `json:"action_type"`
	Reason         string  `json:"reason"`
	ImpactStudents int     `json:"impact_students"`
	ImpactCapacity int     `json:"impact_capacity"`
	Status         string  `json:"status"`
}
