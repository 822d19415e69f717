package ingest

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	itesting "github.com/transitops/ingestd/internal/testing"
	"github.com/transitops/ingestd/lock"
	"github.com/transitops/ingestd/model"
	"github.com/transitops/ingestd/store"
	"github.com/transitops/ingestd/upstream"
)

// fakeRequester serves canned responses keyed by the request's "command"
// parameter, so each test scripts the upstream feed without a network call.
type fakeRequester struct {
	byCommand map[string][]upstream.Element
}

func parseBody(t *testing.T, body string) upstream.Element {
	t.Helper()
	var el upstream.Element
	require.NoError(t, xml.Unmarshal([]byte(body), &el))
	return el
}

func (f *fakeRequester) Request(ctx context.Context, params upstream.Params, tagName string, source model.ApiCallSource) ([]upstream.Element, model.ApiCallLog, error) {
	elements := f.byCommand[commandOf(params)]
	return elements, model.ApiCallLog{Status: 200}, nil
}

func (f *fakeRequester) AsyncRequest(ctx context.Context, items []upstream.BatchItem) []upstream.BatchResult {
	results := make([]upstream.BatchResult, len(items))
	for i, item := range items {
		elements := f.byCommand[commandOf(item.Params)]
		results[i] = upstream.BatchResult{Elements: elements, Log: model.ApiCallLog{Status: 200}}
	}
	return results
}

func commandOf(params upstream.Params) string {
	if v := params["command"]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// noopLocker grants every lock immediately, for tests that don't exercise
// LockRegistry semantics directly (see lock package tests for that).
type noopLocker struct{}

func (noopLocker) AcquireForAgencyRefresh(ctx context.Context, opts lock.Options) (*lock.Set, error) {
	return &lock.Set{}, nil
}
func (noopLocker) AcquireForRouteRefresh(ctx context.Context, opts lock.Options) (*lock.Set, error) {
	return &lock.Set{}, nil
}
func (noopLocker) AcquireForReaders(ctx context.Context, opts lock.Options) (*lock.Set, error) {
	return &lock.Set{}, nil
}

func newTestTasks(t *testing.T, req Requester) *Tasks {
	t.Helper()
	db := itesting.CreateTestDB(t)
	st := store.New(db, zaptest.NewLogger(t).Sugar())
	return New(st, noopLocker{}, req, 0.005, 0.005, zaptest.NewLogger(t).Sugar())
}

func TestRefreshAgencies(t *testing.T) {
	req := &fakeRequester{byCommand: map[string][]upstream.Element{
		"agencyList": {
			parseBody(t, `<agency tag="sf-muni" title="San Francisco Muni" regionTitle="California-Northern"/>`),
		},
	}}
	tasks := newTestTasks(t, req)
	ctx := context.Background()

	n, err := tasks.RefreshAgencies(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int
	require.NoError(t, tasks.Store.DB().QueryRow(`SELECT COUNT(*) FROM agencies WHERE tag = 'sf-muni'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRefreshRoutes(t *testing.T) {
	routeBody := `<route tag="N" title="N-Judah">
		<stop tag="5240" title="Main &amp; 1st" lat="40.00000" lon="-74.00000" stopId="13240"/>
		<direction tag="N__O" title="Outbound to Ocean Beach" name="Outbound">
			<stop tag="5240"/>
		</direction>
	</route>`

	req := &fakeRequester{byCommand: map[string][]upstream.Element{
		"agencyList": {parseBody(t, `<agency tag="sf-muni" title="SF Muni"/>`)},
		"routeList":  {parseBody(t, `<route tag="N" title="N-Judah"/>`)},
		"routeConfig": {parseBody(t, routeBody)},
	}}
	tasks := newTestTasks(t, req)
	ctx := context.Background()

	_, err := tasks.RefreshAgencies(ctx, true)
	require.NoError(t, err)

	n, err := tasks.RefreshRoutes(ctx, []string{"sf-muni"}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var stopCount int
	require.NoError(t, tasks.Store.DB().QueryRow(`SELECT COUNT(*) FROM route_stops`).Scan(&stopCount))
	assert.Equal(t, 1, stopCount)

	var lat, lon float64
	var stopID string
	require.NoError(t, tasks.Store.DB().QueryRow(
		`SELECT lat, lon, stop_id FROM stops WHERE title = 'Main & 1st'`).Scan(&lat, &lon, &stopID))
	assert.Equal(t, 40.0, lat, "route-level stop coordinates should be read, not defaulted to 0,0")
	assert.Equal(t, -74.0, lon)
	assert.Equal(t, "13240", stopID)
}

func TestRefreshPredictions_TruncateFalseAccumulates(t *testing.T) {
	routeBody := `<route tag="N" title="N-Judah">
		<stop tag="5240" title="Main &amp; 1st" lat="40.00000" lon="-74.00000"/>
		<direction tag="N__O" title="Outbound to Ocean Beach" name="Outbound">
			<stop tag="5240"/>
		</direction>
	</route>`
	predictionsBody := `<predictions routeTag="N" stopTag="5240">
		<direction tag="N__O">
			<prediction epochTime="1700000000000" vehicle="1234" affectedByLayover="true"/>
		</direction>
	</predictions>`

	req := &fakeRequester{byCommand: map[string][]upstream.Element{
		"agencyList":  {parseBody(t, `<agency tag="sf-muni" title="SF Muni"/>`)},
		"routeList":   {parseBody(t, `<route tag="N" title="N-Judah"/>`)},
		"routeConfig": {parseBody(t, routeBody)},
	}}
	tasks := newTestTasks(t, req)
	ctx := context.Background()

	_, err := tasks.RefreshAgencies(ctx, true)
	require.NoError(t, err)
	_, err = tasks.RefreshRoutes(ctx, []string{"sf-muni"}, true)
	require.NoError(t, err)

	routeSet, err := tasks.RouteSetForAgencies(ctx, []string{"sf-muni"})
	require.NoError(t, err)

	req.byCommand["predictionsForMultiStops"] = []upstream.Element{parseBody(t, predictionsBody)}

	_, err = tasks.RefreshPredictions(ctx, routeSet, false)
	require.NoError(t, err)
	_, err = tasks.RefreshPredictions(ctx, routeSet, false)
	require.NoError(t, err)

	var count int
	require.NoError(t, tasks.Store.DB().QueryRow(`SELECT COUNT(*) FROM predictions`).Scan(&count))
	assert.Equal(t, 2, count, "truncate=false should accumulate predictions across calls, not replace them")
}

func TestEvictStale(t *testing.T) {
	tasks := newTestTasks(t, &fakeRequester{})
	ctx := context.Background()
	now := time.Now()
	tasks.Clock = func() time.Time { return now }

	err := tasks.Store.WithTx(ctx, func(tx *store.Tx) error {
		regionID, err := tx.UpsertRegion(ctx, "Bay Area")
		require.NoError(t, err)
		agencyID, err := tx.UpsertAgency(ctx, model.Agency{Tag: "sf-muni", Title: "SF Muni", RegionID: regionID})
		require.NoError(t, err)
		routeID, err := tx.InsertRoute(ctx, model.Route{Tag: "N", AgencyID: agencyID, Title: "N-Judah"})
		require.NoError(t, err)
		stopID, err := tx.InsertStop(ctx, "Main & 1st", 40.0, -74.0, "")
		require.NoError(t, err)

		return tx.InsertPrediction(ctx, model.Prediction{
			RouteID: routeID, StopID: stopID, Vehicle: "1234",
			PredictionTime: now, Created: now.Add(-1 * time.Hour),
		})
	})
	require.NoError(t, err)

	predictionsEvicted, locationsEvicted, err := tasks.EvictStale(ctx, 10*time.Minute, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), predictionsEvicted)
	assert.Equal(t, int64(0), locationsEvicted)
}
