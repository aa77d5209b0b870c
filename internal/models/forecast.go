package models

// ForecastEntry is one demographic projection data point: the expected
// student count for a district in a given year under a named scenario.
// There is at most one entry per (district, year, scenario) key.
type ForecastEntry struct {
	DistrictID       string `json:"district_id"`
	Year             int    `json:"year"`
	ScenarioID       string `json:"scenario_id"`
	ExpectedStudents int    `json:"expected_students"`
}
