package store

import (
	"context"
	"database/sql"

	"github.com/transitops/ingestd/errors"
	"github.com/transitops/ingestd/model"
)

// UpsertRegion inserts the region if absent, returning its id either way.
func (t *Tx) UpsertRegion(ctx context.Context, title string) (int64, error) {
	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO regions (title) VALUES (?) ON CONFLICT(title) DO NOTHING`, title,
	); err != nil {
		return 0, errors.Wrapf(err, "upsert region %q", title)
	}

	var id int64
	err := t.db.QueryRowContext(ctx, `SELECT id FROM regions WHERE title = ?`, title).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "select region %q", title)
	}
	return id, nil
}

// DeleteAllAgencies removes every Agency row, cascading to Route, Direction,
// VehicleLocation and RouteStop, per refresh_agencies(truncate=true).
func (t *Tx) DeleteAllAgencies(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM agencies`); err != nil {
		return errors.Wrap(err, "delete all agencies")
	}
	return nil
}

// UpsertAgency inserts or replaces an Agency keyed by tag.
func (t *Tx) UpsertAgency(ctx context.Context, a model.Agency) (int64, error) {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO agencies (tag, title, short_title, region_id, api_call_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tag) DO UPDATE SET
		   title=excluded.title, short_title=excluded.short_title,
		   region_id=excluded.region_id, api_call_id=excluded.api_call_id`,
		a.Tag, a.Title, a.ShortTitle, a.RegionID, a.ApiCallID,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "upsert agency %q", a.Tag)
	}

	var id int64
	if err := t.db.QueryRowContext(ctx, `SELECT id FROM agencies WHERE tag = ?`, a.Tag).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "select agency %q", a.Tag)
	}
	return id, nil
}

// ListRouteTagsForAgency returns every route tag belonging to agencyTag, for
// callers that need to build a full route set (e.g. the CLI's one-off
// ingest command).
func (t *Tx) ListRouteTagsForAgency(ctx context.Context, agencyTag string) ([]string, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT r.tag FROM routes r JOIN agencies a ON a.id = r.agency_id WHERE a.tag = ?`, agencyTag,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list route tags for agency %q", agencyTag)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, "scan route tag")
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// FindAgencyIDByTag resolves an agency tag to its id.
func (t *Tx) FindAgencyIDByTag(ctx context.Context, tag string) (int64, error) {
	var id int64
	err := t.db.QueryRowContext(ctx, `SELECT id FROM agencies WHERE tag = ?`, tag).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "find agency %q", tag)
	}
	return id, nil
}

// DeleteRoutesForAgency removes every Route row for agencyID, cascading to
// Direction, VehicleLocation, Prediction and RouteStop, per
// refresh_routes(truncate=true).
func (t *Tx) DeleteRoutesForAgency(ctx context.Context, agencyID int64) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM routes WHERE agency_id = ?`, agencyID); err != nil {
		return errors.Wrapf(err, "delete routes for agency %d", agencyID)
	}
	return nil
}

// InsertRoute inserts a Route and returns its id.
func (t *Tx) InsertRoute(ctx context.Context, r model.Route) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO routes (tag, agency_id, title, short_title, color, opposite_color, lat_min, lat_max, lon_min, lon_max, api_call_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Tag, r.AgencyID, r.Title, r.ShortTitle, r.Color, r.OppositeColor,
		r.LatMin, r.LatMax, r.LonMin, r.LonMax, r.ApiCallID,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "insert route %q", r.Tag)
	}
	return res.LastInsertId()
}

// InsertDirection inserts a Direction and returns its id.
func (t *Tx) InsertDirection(ctx context.Context, d model.Direction) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO directions (tag, route_id, title, name) VALUES (?, ?, ?, ?)`,
		d.Tag, d.RouteID, d.Title, d.Name,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "insert direction %q for route %d", d.Tag, d.RouteID)
	}
	return res.LastInsertId()
}

// InsertRouteStop associates a Route with a Stop, carrying the route-local
// stop tag.
func (t *Tx) InsertRouteStop(ctx context.Context, routeID, stopID int64, stopTag string) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO route_stops (route_id, stop_id, stop_tag) VALUES (?, ?, ?)
		 ON CONFLICT(route_id, stop_id) DO UPDATE SET stop_tag=excluded.stop_tag`,
		routeID, stopID, stopTag,
	)
	if err != nil {
		return errors.Wrapf(err, "insert route_stop (%d,%d)", routeID, stopID)
	}
	return nil
}

// FindStopsByTitleNear implements normalize.StopFinder: stops sharing title
// within [lat-latTol, lat+latTol] x [lon-lonTol, lon+lonTol].
func (t *Tx) FindStopsByTitleNear(ctx context.Context, title string, lat, lon, latTol, lonTol float64) ([]model.Stop, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, title, lat, lon, lat_lon_count, stop_id FROM stops
		 WHERE title = ? AND lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?`,
		title, lat-latTol, lat+latTol, lon-lonTol, lon+lonTol,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "find stops near (%f,%f)", lat, lon)
	}
	defer rows.Close()

	var out []model.Stop
	for rows.Next() {
		var s model.Stop
		if err := rows.Scan(&s.ID, &s.Title, &s.Lat, &s.Lon, &s.LatLonCount, &s.StopID); err != nil {
			return nil, errors.Wrap(err, "scan stop")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStopMean implements normalize.StopFinder: updates the survivor's
// running mean position and sample count.
func (t *Tx) UpdateStopMean(ctx context.Context, stopID int64, newLat, newLon float64, newCount int) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE stops SET lat = ?, lon = ?, lat_lon_count = ? WHERE id = ?`,
		newLat, newLon, newCount, stopID,
	)
	if err != nil {
		return errors.Wrapf(err, "update stop mean %d", stopID)
	}
	return nil
}

// InsertStop implements normalize.StopFinder: inserts a new Stop with
// lat_lon_count = 1. stopID is the upstream's own stop identifier; an empty
// string is stored as NULL.
func (t *Tx) InsertStop(ctx context.Context, title string, lat, lon float64, stopID string) (int64, error) {
	var stopIDArg interface{}
	if stopID != "" {
		stopIDArg = stopID
	}
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO stops (title, lat, lon, lat_lon_count, stop_id) VALUES (?, ?, ?, 1, ?)`,
		title, lat, lon, stopIDArg,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "insert stop %q", title)
	}
	return res.LastInsertId()
}

// RouteLookup maps an (agency_tag, route_tag) pair to a route's id and its
// stop-tag -> stop-id map, as refresh_predictions needs per spec §4.6.
type RouteLookup struct {
	RouteID int64
	StopTag map[string]int64 // route-local stop tag -> Stop.ID
}

// LoadRouteLookup builds the (agency_tag, route_tag) -> RouteLookup map
// needed by refresh_predictions and refresh_vehicle_locations.
func (t *Tx) LoadRouteLookup(ctx context.Context, agencyTag string) (map[string]RouteLookup, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT r.id, r.tag FROM routes r
		 JOIN agencies a ON a.id = r.agency_id
		 WHERE a.tag = ?`,
		agencyTag,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "load routes for agency %q", agencyTag)
	}
	defer rows.Close()

	out := make(map[string]RouteLookup)
	var routeIDs []int64
	var routeTags []string
	for rows.Next() {
		var id int64
		var tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, errors.Wrap(err, "scan route")
		}
		routeIDs = append(routeIDs, id)
		routeTags = append(routeTags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, routeID := range routeIDs {
		stopTags, err := t.loadStopTagsForRoute(ctx, routeID)
		if err != nil {
			return nil, err
		}
		out[routeTags[i]] = RouteLookup{RouteID: routeID, StopTag: stopTags}
	}
	return out, nil
}

func (t *Tx) loadStopTagsForRoute(ctx context.Context, routeID int64) (map[string]int64, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT stop_tag, stop_id FROM route_stops WHERE route_id = ?`, routeID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "load stop tags for route %d", routeID)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var tag string
		var stopID int64
		if err := rows.Scan(&tag, &stopID); err != nil {
			return nil, errors.Wrap(err, "scan route_stop")
		}
		out[tag] = stopID
	}
	return out, rows.Err()
}

// FindDirectionByTag resolves a direction tag to its id within a route, or
// (0, false) if unknown — callers record a null direction rather than
// failing (spec §4.6 edge case).
func (t *Tx) FindDirectionByTag(ctx context.Context, routeID int64, tag string) (int64, bool, error) {
	var id int64
	err := t.db.QueryRowContext(ctx,
		`SELECT id FROM directions WHERE route_id = ? AND tag = ?`, routeID, tag,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "find direction %q for route %d", tag, routeID)
	}
	return id, true, nil
}

// StopExists reports whether a stop id is present — a missing stop
// referenced by a predictions response is a protocol violation (spec §4.6).
func (t *Tx) StopExists(ctx context.Context, stopID int64) (bool, error) {
	var exists bool
	err := t.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM stops WHERE id = ?)`, stopID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "check stop exists %d", stopID)
	}
	return exists, nil
}

// InsertPrediction inserts one Prediction row.
func (t *Tx) InsertPrediction(ctx context.Context, p model.Prediction) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO predictions (route_id, stop_id, direction_id, vehicle, prediction_time, is_departure, has_layover, block, api_call_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RouteID, p.StopID, p.DirectionID, p.Vehicle, p.PredictionTime, p.IsDeparture, p.HasLayover, p.Block, p.ApiCallID,
	)
	if err != nil {
		return errors.Wrap(err, "insert prediction")
	}
	return nil
}

// DeletePredictionsForRoutes deletes existing Prediction rows for a set of
// routes (truncate=true pre-pass for refresh_predictions).
func (t *Tx) DeletePredictionsForRoutes(ctx context.Context, routeIDs []int64) error {
	for _, id := range routeIDs {
		if _, err := t.db.ExecContext(ctx, `DELETE FROM predictions WHERE route_id = ?`, id); err != nil {
			return errors.Wrapf(err, "delete predictions for route %d", id)
		}
	}
	return nil
}

// InsertVehicleLocation inserts one VehicleLocation row.
func (t *Tx) InsertVehicleLocation(ctx context.Context, v model.VehicleLocation) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO vehicle_locations (vehicle, route_id, direction_id, lat, lon, time, predictable, heading, speed, api_call_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Vehicle, v.RouteID, v.DirectionID, v.Lat, v.Lon, v.Time, v.Predictable, v.Heading, v.Speed, v.ApiCallID,
	)
	if err != nil {
		return errors.Wrap(err, "insert vehicle_location")
	}
	return nil
}

// LatestVehicleLocationTime returns the most recent sample time recorded
// for a route, or an invalid (Valid == false) NullTime if none, used to seed
// the `t=` parameter on the next vehicleLocations request.
func (t *Tx) LatestVehicleLocationTime(ctx context.Context, routeID int64) (sql.NullTime, error) {
	var latest sql.NullTime
	// Selecting the column itself (not MAX(time)) keeps its TIMESTAMP type,
	// so the driver returns a time.Time rather than text.
	err := t.db.QueryRowContext(ctx,
		`SELECT time FROM vehicle_locations WHERE route_id = ? ORDER BY time DESC LIMIT 1`, routeID,
	).Scan(&latest)
	if err == sql.ErrNoRows {
		return sql.NullTime{}, nil
	}
	if err != nil {
		return sql.NullTime{}, errors.Wrapf(err, "latest vehicle location for route %d", routeID)
	}
	return latest, nil
}

// EvictStalePredictions deletes Predictions older than cutoff.
func (t *Tx) EvictStalePredictions(ctx context.Context, cutoff interface{}) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM predictions WHERE created < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "evict stale predictions")
	}
	return res.RowsAffected()
}

// EvictStaleVehicleLocations deletes VehicleLocations older than cutoff.
func (t *Tx) EvictStaleVehicleLocations(ctx context.Context, cutoff interface{}) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM vehicle_locations WHERE time < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "evict stale vehicle locations")
	}
	return res.RowsAffected()
}
