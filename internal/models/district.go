package models

// District represents a school planning district with its boundary geometry.
// Districts are static reference data owned by the municipal catalog and are
// never written by this service.
type District struct {
	DistrictID string  `json:"district_id"`
	Name       string  `json:"name"`
	GeomWKT    string  `json:"geom_wkt"`
	AreaKm2    float64 `json:"area_km2"`
}
