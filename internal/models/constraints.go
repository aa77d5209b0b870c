package models

// DefaultConstraintID is the identifier of the single constraint row in force.
const DefaultConstraintID = "default"

// ConstraintSet holds the planning thresholds the rule engine evaluates
// against. Exactly one set (the "default" row) is active at any time; the
// engine reads it once per run so a concurrent update can never be observed
// twice with different values within a single run.
type ConstraintSet struct {
	ConstraintID      string  `json:"constraint_id"`
	ClassSizeMax      int     `json:"class_size_max"`
	MaxDistanceKm     float64 `json:"max_distance_km"`
	MinConditionScore int     `json:"min_condition_score"`
}
