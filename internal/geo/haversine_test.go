package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm_ZeroDistance(t *testing.T) {
	assert.Equal(t, 0.0, HaversineKm(57.7089, 11.9746, 57.7089, 11.9746))
}

func TestHaversineKm_OneDegreeLongitudeAtEquator(t *testing.T) {
	// One degree of longitude at the equator is R * pi / 180.
	d := HaversineKm(0, 0, 0, 1)
	assert.InDelta(t, 111.1949, d, 0.001)
}

func TestHaversineKm_Symmetric(t *testing.T) {
	a := HaversineKm(57.7089, 11.9746, 57.6500, 12.0100)
	b := HaversineKm(57.6500, 12.0100, 57.7089, 11.9746)
	assert.InDelta(t, a, b, 1e-12)
}

func TestHaversineKm_KnownCityPair(t *testing.T) {
	// Gothenburg to Stockholm, roughly 398 km great-circle.
	d := HaversineKm(57.7089, 11.9746, 59.3293, 18.0686)
	assert.InDelta(t, 398, d, 5)
}

func TestHaversineKm_ShortUrbanDistance(t *testing.T) {
	// About half a kilometer between two points in central Gothenburg.
	d := HaversineKm(57.7089, 11.9746, 57.7134, 11.9746)
	assert.InDelta(t, 0.5, d, 0.01)
}
