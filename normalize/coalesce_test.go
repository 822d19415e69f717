package normalize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitops/ingestd/model"
)

// fakeStopFinder is an in-memory StopFinder for exercising Coalesce without
// a database.
type fakeStopFinder struct {
	stops  []model.Stop
	nextID int64
}

func (f *fakeStopFinder) FindStopsByTitleNear(ctx context.Context, title string, lat, lon, latTol, lonTol float64) ([]model.Stop, error) {
	var out []model.Stop
	for _, s := range f.stops {
		if s.Title != title {
			continue
		}
		if s.Lat < lat-latTol || s.Lat > lat+latTol {
			continue
		}
		if s.Lon < lon-lonTol || s.Lon > lon+lonTol {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStopFinder) UpdateStopMean(ctx context.Context, stopID int64, newLat, newLon float64, newCount int) error {
	for i := range f.stops {
		if f.stops[i].ID == stopID {
			f.stops[i].Lat = newLat
			f.stops[i].Lon = newLon
			f.stops[i].LatLonCount = newCount
		}
	}
	return nil
}

func (f *fakeStopFinder) InsertStop(ctx context.Context, title string, lat, lon float64, stopID string) (int64, error) {
	f.nextID++
	var stopIDPtr *string
	if stopID != "" {
		stopIDPtr = &stopID
	}
	f.stops = append(f.stops, model.Stop{ID: f.nextID, Title: title, Lat: lat, Lon: lon, LatLonCount: 1, StopID: stopIDPtr})
	return f.nextID, nil
}

// TestCoalesce_S1StreamingMean exercises spec scenario S1: two samples for
// the same titled stop within tolerance merge into one Stop with the
// running mean position.
func TestCoalesce_S1StreamingMean(t *testing.T) {
	finder := &fakeStopFinder{}
	ctx := context.Background()

	id1, err := Coalesce(ctx, finder, Candidate{Title: "Main & 1st", Lat: 40.00000, Lon: -74.00000}, 0.005, 0.005)
	require.NoError(t, err)

	id2, err := Coalesce(ctx, finder, Candidate{Title: "Main & 1st", Lat: 40.00200, Lon: -74.00200}, 0.005, 0.005)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	require.Len(t, finder.stops, 1)
	assert.Equal(t, 40.00100, finder.stops[0].Lat)
	assert.Equal(t, -74.00100, finder.stops[0].Lon)
	assert.Equal(t, 2, finder.stops[0].LatLonCount)
}

func TestCoalesce_NoMatchInsertsNewStop(t *testing.T) {
	finder := &fakeStopFinder{}
	ctx := context.Background()

	id, err := Coalesce(ctx, finder, Candidate{Title: "Elm & 2nd", Lat: 41.0, Lon: -73.0}, 0.005, 0.005)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	require.Len(t, finder.stops, 1)
	assert.Equal(t, 1, finder.stops[0].LatLonCount)
}

func TestCoalesce_RepeatedCallsConverge(t *testing.T) {
	finder := &fakeStopFinder{}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := Coalesce(ctx, finder, Candidate{Title: "Same Stop", Lat: 10.0, Lon: 20.0}, 0.005, 0.005)
		require.NoError(t, err)
	}

	require.Len(t, finder.stops, 1)
	assert.Equal(t, 5, finder.stops[0].LatLonCount)
	assert.Equal(t, 10.0, finder.stops[0].Lat)
	assert.Equal(t, 20.0, finder.stops[0].Lon)
}

func TestCoalesce_NoMatchCarriesUpstreamStopID(t *testing.T) {
	finder := &fakeStopFinder{}
	ctx := context.Background()

	id, err := Coalesce(ctx, finder, Candidate{Title: "Elm & 2nd", Lat: 41.0, Lon: -73.0, StopID: "13240"}, 0.005, 0.005)
	require.NoError(t, err)
	require.Len(t, finder.stops, 1)
	require.NotNil(t, finder.stops[0].StopID)
	assert.Equal(t, "13240", *finder.stops[0].StopID)
	assert.Equal(t, id, finder.stops[0].ID)
}

func TestNearest_TieBreaksByLowestID(t *testing.T) {
	matches := []model.Stop{
		{ID: 5, Lat: 40.001, Lon: -74.001},
		{ID: 2, Lat: 40.001, Lon: -74.001},
	}
	cand := Candidate{Title: "x", Lat: 40.000, Lon: -74.000}

	best := nearest(matches, cand)
	assert.Equal(t, int64(2), best.ID)
}
