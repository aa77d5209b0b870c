package services

import (
	"context"
	"errors"
	"testing"

	"github.com/jmalmgren/skolplan/api/internal/logger"
	"github.com/jmalmgren/skolplan/api/internal/models"
	"github.com/jmalmgren/skolplan/api/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockPlanningRepository is a mock implementation of PlanningRepository for testing
type MockPlanningRepository struct {
	mock.Mock
}

func (m *MockPlanningRepository) Districts(ctx context.Context) ([]models.District, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.District), args.Error(1)
}

func (m *MockPlanningRepository) Schools(ctx context.Context, year int, districtID string) ([]models.School, error) {
	args := m.Called(ctx, year, districtID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.School), args.Error(1)
}

func (m *MockPlanningRepository) ActiveSchools(ctx context.Context, year int) ([]models.School, error) {
	args := m.Called(ctx, year)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.School), args.Error(1)
}

func (m *MockPlanningRepository) Forecast(ctx context.Context, scenarioID, districtID string) ([]models.ForecastEntry, error) {
	args := m.Called(ctx, scenarioID, districtID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ForecastEntry), args.Error(1)
}

func (m *MockPlanningRepository) ForecastFor(ctx context.Context, year int, scenarioID string) ([]models.ForecastEntry, error) {
	args := m.Called(ctx, year, scenarioID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ForecastEntry), args.Error(1)
}

func (m *MockPlanningRepository) ActiveConstraints(ctx context.Context) (*models.ConstraintSet, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ConstraintSet), args.Error(1)
}

func (m *MockPlanningRepository) UpdateConstraints(ctx context.Context, cs models.ConstraintSet) error {
	args := m.Called(ctx, cs)
	return args.Error(0)
}

func (m *MockPlanningRepository) ReplaceDerived(ctx context.Context, year int, scenarioID string, caps []models.DistrictCapacity, utils []models.SchoolUtilization, recs []models.Recommendation) error {
	args := m.Called(ctx, year, scenarioID, caps, utils, recs)
	return args.Error(0)
}

func (m *MockPlanningRepository) DistrictCapacities(ctx context.Context, year int, scenarioID string) ([]repository.DistrictCapacityRow, error) {
	args := m.Called(ctx, year, scenarioID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.DistrictCapacityRow), args.Error(1)
}

func (m *MockPlanningRepository) SchoolUtilizations(ctx context.Context, year int, scenarioID, districtID string) ([]repository.SchoolUtilizationRow, error) {
	args := m.Called(ctx, year, scenarioID, districtID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.SchoolUtilizationRow), args.Error(1)
}

func (m *MockPlanningRepository) Recommendations(ctx context.Context, year int, scenarioID string) ([]repository.RecommendationRow, error) {
	args := m.Called(ctx, year, scenarioID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.RecommendationRow), args.Error(1)
}

func (m *MockPlanningRepository) KPIs(ctx context.Context, year int, scenarioID, districtID string) (*repository.KPISummary, error) {
	args := m.Called(ctx, year, scenarioID, districtID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.KPISummary), args.Error(1)
}

func (m *MockPlanningRepository) ExportDerived(ctx context.Context, dataset string, year int, scenarioID string) (*repository.ExportDataset, error) {
	args := m.Called(ctx, dataset, year, scenarioID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.ExportDataset), args.Error(1)
}

func testConstraints() *models.ConstraintSet {
	return &models.ConstraintSet{
		ConstraintID:      models.DefaultConstraintID,
		ClassSizeMax:      25,
		MaxDistanceKm:     1.0,
		MinConditionScore: 5,
	}
}

func TestRunRecommendations_Success(t *testing.T) {
	// Arrange
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()

	districts := []models.District{{DistrictID: "d1", Name: "Centrum"}}
	schools := []models.School{
		{SchoolID: "s1", DistrictID: "d1", Name: "Skola s1", CapacityTotal: 100, ConditionScore: 5, Status: models.SchoolStatusActive},
		{SchoolID: "s2", DistrictID: "d1", Name: "Skola s2", CapacityTotal: 50, ConditionScore: 5, Status: models.SchoolStatusActive, Lat: 0.0045},
	}
	forecast := []models.ForecastEntry{
		{DistrictID: "d1", Year: 2026, ScenarioID: "base", ExpectedStudents: 60},
	}

	mockRepo.On("ActiveConstraints", ctx).Return(testConstraints(), nil)
	mockRepo.On("Districts", ctx).Return(districts, nil)
	mockRepo.On("ActiveSchools", ctx, 2026).Return(schools, nil)
	mockRepo.On("ForecastFor", ctx, 2026, "base").Return(forecast, nil)

	var gotCaps []models.DistrictCapacity
	var gotUtils []models.SchoolUtilization
	var gotRecs []models.Recommendation
	mockRepo.On("ReplaceDerived", ctx, 2026, "base", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			gotCaps = args.Get(3).([]models.DistrictCapacity)
			gotUtils = args.Get(4).([]models.SchoolUtilization)
			gotRecs = args.Get(5).([]models.Recommendation)
		}).
		Return(nil)

	// Act
	err := service.RunRecommendations(ctx, 2026, "base")

	// Assert
	require.NoError(t, err)
	mockRepo.AssertExpectations(t)

	require.Len(t, gotCaps, 1)
	assert.Equal(t, 150, gotCaps[0].CapacityTotal)
	assert.Equal(t, 60, gotCaps[0].DemandTotal)
	assert.Equal(t, 90, gotCaps[0].SurplusDeficit)

	require.Len(t, gotUtils, 2)
	assert.Equal(t, 40, gotUtils[0].EnrolledEstimate)
	assert.Equal(t, 20, gotUtils[1].EnrolledEstimate)

	// Both schools at 40% utilization within merge distance: one merge
	// recommendation, nothing else.
	require.Len(t, gotRecs, 1)
	assert.Equal(t, models.ActionMerge, gotRecs[0].ActionType)
	assert.Equal(t, "rec_2026_base_1", gotRecs[0].RecID)
}

func TestRunRecommendations_InvalidYear(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	err := service.RunRecommendations(context.Background(), 123, "base")

	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYear)
	// Nothing may be read or written on a validation failure
	mockRepo.AssertNotCalled(t, "ActiveConstraints")
	mockRepo.AssertNotCalled(t, "ReplaceDerived")
}

func TestRunRecommendations_InvalidScenario(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	tests := []string{"", "Base", "base scenario", "base;DROP TABLE forecast", "averyveryverylongscenarioidentifierindeed"}
	for _, scenario := range tests {
		err := service.RunRecommendations(context.Background(), 2026, scenario)
		assert.ErrorIs(t, err, ErrInvalidScenario, "scenario %q", scenario)
	}

	mockRepo.AssertNotCalled(t, "ActiveConstraints")
	mockRepo.AssertNotCalled(t, "ReplaceDerived")
}

func TestRunRecommendations_MissingConstraints(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()
	mockRepo.On("ActiveConstraints", ctx).Return(nil, repository.ErrNoConstraints)

	err := service.RunRecommendations(ctx, 2026, "base")

	assert.ErrorIs(t, err, ErrMissingConstraints)
	// The run must abort before touching any derived state
	mockRepo.AssertNotCalled(t, "ReplaceDerived")
	mockRepo.AssertExpectations(t)
}

func TestRunRecommendations_StorageError(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()
	dbError := errors.New("connection reset")

	mockRepo.On("ActiveConstraints", ctx).Return(testConstraints(), nil)
	mockRepo.On("Districts", ctx).Return([]models.District{}, nil)
	mockRepo.On("ActiveSchools", ctx, 2026).Return([]models.School{}, nil)
	mockRepo.On("ForecastFor", ctx, 2026, "base").Return([]models.ForecastEntry{}, nil)
	mockRepo.On("ReplaceDerived", ctx, 2026, "base", mock.Anything, mock.Anything, mock.Anything).Return(dbError)

	err := service.RunRecommendations(ctx, 2026, "base")

	assert.Error(t, err)
	assert.ErrorIs(t, err, dbError)
	mockRepo.AssertExpectations(t)
}

func TestRunRecommendations_Idempotent(t *testing.T) {
	// Two runs over identical inputs must hand identical derived sets to
	// the repository.
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()
	districts := []models.District{{DistrictID: "d1"}}
	schools := []models.School{
		{SchoolID: "s1", DistrictID: "d1", Name: "Skola s1", CapacityTotal: 80, ConditionScore: 2, Status: models.SchoolStatusActive},
	}
	forecast := []models.ForecastEntry{
		{DistrictID: "d1", Year: 2026, ScenarioID: "base", ExpectedStudents: 20},
	}

	mockRepo.On("ActiveConstraints", ctx).Return(testConstraints(), nil)
	mockRepo.On("Districts", ctx).Return(districts, nil)
	mockRepo.On("ActiveSchools", ctx, 2026).Return(schools, nil)
	mockRepo.On("ForecastFor", ctx, 2026, "base").Return(forecast, nil)

	var runs [][]models.Recommendation
	mockRepo.On("ReplaceDerived", ctx, 2026, "base", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			runs = append(runs, args.Get(5).([]models.Recommendation))
		}).
		Return(nil)

	require.NoError(t, service.RunRecommendations(ctx, 2026, "base"))
	require.NoError(t, service.RunRecommendations(ctx, 2026, "base"))

	require.Len(t, runs, 2)
	assert.Equal(t, runs[0], runs[1])
}

func TestConstraints_Missing(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()
	mockRepo.On("ActiveConstraints", ctx).Return(nil, repository.ErrNoConstraints)

	cs, err := service.Constraints(ctx)

	assert.Nil(t, cs)
	assert.ErrorIs(t, err, ErrMissingConstraints)
}

func TestUpdateConstraints_InvalidValues(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()

	tests := []struct {
		name string
		cs   models.ConstraintSet
	}{
		{"zero class size", models.ConstraintSet{ClassSizeMax: 0, MaxDistanceKm: 1.0, MinConditionScore: 3}},
		{"zero distance", models.ConstraintSet{ClassSizeMax: 25, MaxDistanceKm: 0, MinConditionScore: 3}},
		{"negative condition", models.ConstraintSet{ClassSizeMax: 25, MaxDistanceKm: 1.0, MinConditionScore: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.UpdateConstraints(ctx, tt.cs)
			assert.ErrorIs(t, err, ErrInvalidConstraints)
		})
	}

	mockRepo.AssertNotCalled(t, "UpdateConstraints")
}

func TestUpdateConstraints_Success(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()
	cs := models.ConstraintSet{ConstraintID: models.DefaultConstraintID, ClassSizeMax: 28, MaxDistanceKm: 2.0, MinConditionScore: 4}

	mockRepo.On("UpdateConstraints", ctx, cs).Return(nil)

	err := service.UpdateConstraints(ctx, cs)

	require.NoError(t, err)
	mockRepo.AssertExpectations(t)
}

func TestExport_InvalidDataset(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	export, err := service.Export(context.Background(), "schools", 2026, "base")

	assert.Nil(t, export)
	assert.ErrorIs(t, err, ErrInvalidDataset)
	mockRepo.AssertNotCalled(t, "ExportDerived")
}

func TestExport_Success(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()
	expected := &repository.ExportDataset{
		Columns: []string{"rec_id", "year"},
		Rows:    [][]string{{"rec_2026_base_1", "2026"}},
	}
	mockRepo.On("ExportDerived", ctx, "recommendations", 2026, "base").Return(expected, nil)

	export, err := service.Export(ctx, "recommendations", 2026, "base")

	require.NoError(t, err)
	assert.Equal(t, expected, export)
	mockRepo.AssertExpectations(t)
}

func TestDistrictCapacities_InvalidKey(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	_, err := service.DistrictCapacities(context.Background(), 2026, "Not Valid")

	assert.ErrorIs(t, err, ErrInvalidScenario)
	mockRepo.AssertNotCalled(t, "DistrictCapacities")
}

func TestKPIs_Success(t *testing.T) {
	mockRepo := new(MockPlanningRepository)
	log := logger.New("test")
	service := NewPlanningService(mockRepo, log)

	ctx := context.Background()
	expected := &repository.KPISummary{
		TotalStudents:       450,
		TotalCapacity:       500,
		TotalSurplusDeficit: 50,
		UtilizationPct:      90.0,
	}
	mockRepo.On("KPIs", ctx, 2026, "base", "").Return(expected, nil)

	kpis, err := service.KPIs(ctx, 2026, "base", "")

	require.NoError(t, err)
	assert.Equal(t, expected, kpis)
	mockRepo.AssertExpectations(t)
}
