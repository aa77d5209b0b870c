package models

// School status values as stored in the catalog.
const (
	SchoolStatusActive  = "active"
	SchoolStatusClosed  = "closed"
	SchoolStatusPlanned = "planned"
)

// School represents a school facility within a district.
// OpenedYear and ClosedYear are pointers to distinguish open-ended
// operating windows from concrete year bounds.
type School struct {
	SchoolID       string  `json:"school_id"`
	DistrictID     string  `json:"district_id"`
	Name           string  `json:"name"`
	Lon            float64 `json:"x_lon"`
	Lat            float64 `json:"y_lat"`
	CapacityTotal  int     `json:"capacity_total"`
	ConditionScore int     `json:"condition_score"`
	Status         string  `json:"status"`
	OpenedYear     *int    `json:"opened_year,omitempty"`
	ClosedYear     *int    `json:"closed_year,omitempty"`
}

// IsActive reports whether the school is operational in the given year:
// status is active and the year falls inside the opened/closed window.
func (s *School) IsActive(year int) bool {
	if s.Status != SchoolStatusActive {
		return false
	}
	if s.OpenedYear != nil && *s.OpenedYear > year {
		return false
	}
	if s.ClosedYear != nil && *s.ClosedYear < year {
		return false
	}
	return true
}
