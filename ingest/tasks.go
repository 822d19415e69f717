// Package ingest implements the five IngestionTasks (spec §4.6): refresh
// agencies, refresh routes/directions/stops, pull predictions, pull vehicle
// locations, and evict stale rows. Each task acquires its lock matrix, opens
// a store transaction per sub-phase, calls the upstream client, normalizes,
// and persists.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/transitops/ingestd/errors"
	"github.com/transitops/ingestd/internal/util"
	"github.com/transitops/ingestd/lock"
	"github.com/transitops/ingestd/logger"
	"github.com/transitops/ingestd/model"
	"github.com/transitops/ingestd/normalize"
	"github.com/transitops/ingestd/store"
	"github.com/transitops/ingestd/upstream"
)

// ErrProtocolViolation is raised when the upstream feed references an entity
// that must already exist but does not (spec §7: a non-existent stop on a
// predictions response).
var ErrProtocolViolation = errors.New("protocol violation")

const (
	routeConfigBatchSize    = 100 // max routes per unqualified routeConfig call (spec §6)
	predictionsBatchSize    = 150 // max stops entries per predictionsForMultiStops call (spec §6)
	defaultRegionTitle      = "default"
)

// Requester is the subset of upstream.Client used by tasks.
type Requester interface {
	Request(ctx context.Context, params upstream.Params, tagName string, source model.ApiCallSource) ([]upstream.Element, model.ApiCallLog, error)
	AsyncRequest(ctx context.Context, items []upstream.BatchItem) []upstream.BatchResult
}

// Locker is the subset of lock.Registry used by tasks.
type Locker interface {
	AcquireForAgencyRefresh(ctx context.Context, opts lock.Options) (*lock.Set, error)
	AcquireForRouteRefresh(ctx context.Context, opts lock.Options) (*lock.Set, error)
	AcquireForReaders(ctx context.Context, opts lock.Options) (*lock.Set, error)
}

// Tasks holds the dependencies every IngestionTask draws on — a Store
// handle, a LockRegistry, an UpstreamClient, and a clock — injected at
// construction rather than reached for as process globals (spec §9).
type Tasks struct {
	Store      *store.Store
	Locks      Locker
	Upstream   Requester
	Clock      func() time.Time
	LockOpts   lock.Options
	SameStopLat float64
	SameStopLon float64
	Log        *zap.SugaredLogger
}

// New constructs a Tasks with sensible defaults for Clock and LockOpts.
func New(st *store.Store, locks Locker, up Requester, sameStopLat, sameStopLon float64, log *zap.SugaredLogger) *Tasks {
	return &Tasks{
		Store:       st,
		Locks:       locks,
		Upstream:    up,
		Clock:       time.Now,
		LockOpts:    lock.DefaultOptions(),
		SameStopLat: sameStopLat,
		SameStopLon: sameStopLon,
		Log:         log,
	}
}

// RefreshAgencies implements refresh_agencies(truncate=true) (spec §4.6).
// Returns the count of agencies upserted.
func (t *Tasks) RefreshAgencies(ctx context.Context, truncate bool) (int, error) {
	locks, err := t.Locks.AcquireForAgencyRefresh(ctx, t.LockOpts)
	if err != nil {
		return 0, errors.Wrap(err, "acquire agencies lock")
	}
	defer locks.Release(ctx)

	elements, _, err := t.Upstream.Request(ctx, upstream.Params{"command": {"agencyList"}}, "agency", model.SourceAgencyRefresh)
	if err != nil {
		return 0, errors.Wrap(err, "agencyList request")
	}
	if elements == nil {
		t.Log.Infow("refresh_agencies: upstream call failed, skipping", logger.FieldTask, "refresh_agencies")
		return 0, nil
	}

	count := 0
	err = t.Store.WithTx(ctx, func(tx *store.Tx) error {
		if truncate {
			if err := tx.DeleteAllAgencies(ctx); err != nil {
				return err
			}
		}
		for _, el := range elements {
			regionTitle := el.AttrOr("regionTitle", defaultRegionTitle)
			regionID, err := tx.UpsertRegion(ctx, regionTitle)
			if err != nil {
				return err
			}

			tag, _ := el.Attr("tag")
			agency := model.Agency{
				Tag:        tag,
				Title:      el.AttrOr("title", tag),
				ShortTitle: el.AttrOr("shortTitle", ""),
				RegionID:   regionID,
			}
			if _, err := tx.UpsertAgency(ctx, agency); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	t.Log.Infow("refresh_agencies complete", logger.FieldRecordsSaved, count)
	return count, nil
}

// RefreshRoutes implements refresh_routes(agency_tags, truncate=true) (spec
// §4.6). Returns the count of routes upserted across all agencies.
func (t *Tasks) RefreshRoutes(ctx context.Context, agencyTags []string, truncate bool) (int, error) {
	locks, err := t.Locks.AcquireForRouteRefresh(ctx, t.LockOpts)
	if err != nil {
		return 0, errors.Wrap(err, "acquire routes lock")
	}
	defer locks.Release(ctx)

	total := 0
	for _, agencyTag := range agencyTags {
		n, err := t.refreshRoutesForAgency(ctx, agencyTag, truncate)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *Tasks) refreshRoutesForAgency(ctx context.Context, agencyTag string, truncate bool) (int, error) {
	routeListElements, _, err := t.Upstream.Request(ctx,
		upstream.Params{"command": {"routeList"}, "a": {agencyTag}}, "route", model.SourceRouteRefresh)
	if err != nil {
		return 0, errors.Wrapf(err, "routeList request for agency %q", agencyTag)
	}
	if routeListElements == nil {
		t.Log.Infow("refresh_routes: routeList call failed, skipping agency", logger.FieldAgency, agencyTag)
		return 0, nil
	}

	var allTags []string
	for _, el := range routeListElements {
		if tag, ok := el.Attr("tag"); ok {
			allTags = append(allTags, tag)
		}
	}

	batchConfigs, _, err := t.Upstream.Request(ctx,
		upstream.Params{"command": {"routeConfig"}, "a": {agencyTag}}, "route", model.SourceRouteRefresh)
	if err != nil {
		return 0, errors.Wrapf(err, "routeConfig batch request for agency %q", agencyTag)
	}

	seen := make(map[string]bool, len(batchConfigs))
	for _, el := range batchConfigs {
		if tag, ok := el.Attr("tag"); ok {
			seen[tag] = true
		}
	}

	var remaining []string
	for _, tag := range allTags {
		if !seen[tag] {
			remaining = append(remaining, tag)
		}
	}

	configs := append([]upstream.Element{}, batchConfigs...)
	if len(remaining) > 0 {
		items := make([]upstream.BatchItem, len(remaining))
		for i, tag := range remaining {
			items[i] = upstream.BatchItem{
				Params:  upstream.Params{"command": {"routeConfig"}, "a": {agencyTag}, "r": {tag}},
				TagName: "route",
				Source:  model.SourceRouteRefresh,
			}
		}
		results := t.Upstream.AsyncRequest(ctx, items)
		for _, res := range results {
			if res.Err != nil || res.Elements == nil {
				continue
			}
			configs = append(configs, res.Elements...)
		}
	}

	count := 0
	err = t.Store.WithTx(ctx, func(tx *store.Tx) error {
		agencyID, err := tx.FindAgencyIDByTag(ctx, agencyTag)
		if err != nil {
			return err
		}

		if truncate {
			if err := tx.DeleteRoutesForAgency(ctx, agencyID); err != nil {
				return err
			}
		}

		for _, el := range configs {
			n, err := t.persistRoute(ctx, tx, agencyID, el)
			if err != nil {
				return err
			}
			count += n
		}
		return nil
	})
	return count, err
}

func (t *Tasks) persistRoute(ctx context.Context, tx *store.Tx, agencyID int64, el upstream.Element) (int, error) {
	tag, _ := el.Attr("tag")
	route := model.Route{
		Tag:           tag,
		AgencyID:      agencyID,
		Title:         el.AttrOr("title", tag),
		ShortTitle:    el.AttrOr("shortTitle", ""),
		Color:         el.AttrOr("color", ""),
		OppositeColor: el.AttrOr("oppositeColor", ""),
	}
	if v, ok := el.Attr("latMin"); ok {
		route.LatMin = util.Ptr(normalize.Float(v))
	}
	if v, ok := el.Attr("latMax"); ok {
		route.LatMax = util.Ptr(normalize.Float(v))
	}
	if v, ok := el.Attr("lonMin"); ok {
		route.LonMin = util.Ptr(normalize.Float(v))
	}
	if v, ok := el.Attr("lonMax"); ok {
		route.LonMax = util.Ptr(normalize.Float(v))
	}

	routeID, err := tx.InsertRoute(ctx, route)
	if err != nil {
		return 0, err
	}

	for _, dirEl := range el.DirectChildren("direction") {
		dirTag, _ := dirEl.Attr("tag")
		dir := model.Direction{
			Tag:     dirTag,
			RouteID: routeID,
			Title:   dirEl.AttrOr("title", dirTag),
			Name:    dirEl.AttrOr("name", ""),
		}
		if _, err := tx.InsertDirection(ctx, dir); err != nil {
			return 0, err
		}
	}

	// Stops with coordinates are the route's own direct children; the
	// `<stop tag="…"/>` elements nested under each `<direction>` are
	// tag-only references into this same set, not a separate collection
	// (original_source/nextbus.py: save_stops reads route_xml.findall('stop')).
	for _, stopEl := range el.DirectChildren("stop") {
		if err := t.persistRouteStop(ctx, tx, routeID, stopEl); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

func (t *Tasks) persistRouteStop(ctx context.Context, tx *store.Tx, routeID int64, stopEl upstream.Element) error {
	stopTag, _ := stopEl.Attr("tag")
	title := stopEl.AttrOr("title", stopTag)
	lat := normalize.Float(stopEl.AttrOr("lat", "0"))
	lon := normalize.Float(stopEl.AttrOr("lon", "0"))
	upstreamStopID := stopEl.AttrOr("stopId", "")

	stopID, err := normalize.Coalesce(ctx, tx, normalize.Candidate{Title: title, Lat: lat, Lon: lon, StopID: upstreamStopID}, t.SameStopLat, t.SameStopLon)
	if err != nil {
		return err
	}
	return tx.InsertRouteStop(ctx, routeID, stopID, stopTag)
}

// RefreshPredictions implements refresh_predictions(route_set, truncate=false)
// (spec §4.6). routeSet maps an agency tag to the route tags to pull.
func (t *Tasks) RefreshPredictions(ctx context.Context, routeSet map[string][]string, truncate bool) (int, error) {
	locks, err := t.Locks.AcquireForReaders(ctx, t.LockOpts)
	if err != nil {
		return 0, errors.Wrap(err, "acquire readers lock")
	}
	defer locks.Release(ctx)

	count := 0
	for agencyTag, routeTags := range routeSet {
		n, err := t.refreshPredictionsForAgency(ctx, agencyTag, routeTags, truncate)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

func (t *Tasks) refreshPredictionsForAgency(ctx context.Context, agencyTag string, routeTags []string, truncate bool) (int, error) {
	var lookup map[string]store.RouteLookup
	var routeIDs []int64
	err := t.Store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		lookup, err = tx.LoadRouteLookup(ctx, agencyTag)
		if err != nil {
			return err
		}
		for _, tag := range routeTags {
			if rl, ok := lookup[tag]; ok {
				routeIDs = append(routeIDs, rl.RouteID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var stopEntries []string
	for _, tag := range routeTags {
		rl, ok := lookup[tag]
		if !ok {
			continue
		}
		for stopTag := range rl.StopTag {
			stopEntries = append(stopEntries, tag+"|"+stopTag)
		}
	}

	var batches []upstream.BatchItem
	for i := 0; i < len(stopEntries); i += predictionsBatchSize {
		end := i + predictionsBatchSize
		if end > len(stopEntries) {
			end = len(stopEntries)
		}
		batches = append(batches, upstream.BatchItem{
			Params: upstream.Params{
				"command": {"predictionsForMultiStops"},
				"a":       {agencyTag},
				"stops":   append([]string{}, stopEntries[i:end]...),
			},
			TagName: "predictions",
			Source:  model.SourcePredictions,
		})
	}
	if len(batches) == 0 {
		return 0, nil
	}

	results := t.Upstream.AsyncRequest(ctx, batches)

	count := 0
	err = t.Store.WithTx(ctx, func(tx *store.Tx) error {
		if truncate {
			if err := tx.DeletePredictionsForRoutes(ctx, routeIDs); err != nil {
				return err
			}
		}
		for _, res := range results {
			if res.Err != nil || res.Elements == nil {
				continue
			}
			for _, predEl := range res.Elements {
				n, err := t.persistPredictionsElement(ctx, tx, predEl, lookup)
				if err != nil {
					return err
				}
				count += n
			}
		}
		return nil
	})
	return count, err
}

func (t *Tasks) persistPredictionsElement(ctx context.Context, tx *store.Tx, predEl upstream.Element, lookup map[string]store.RouteLookup) (int, error) {
	routeTag, _ := predEl.Attr("routeTag")
	stopTag, _ := predEl.Attr("stopTag")

	rl, ok := lookup[routeTag]
	if !ok {
		return 0, errors.Wrapf(ErrProtocolViolation, "predictions for unknown route %q", routeTag)
	}
	stopID, ok := rl.StopTag[stopTag]
	if !ok {
		return 0, errors.Wrapf(ErrProtocolViolation, "predictions for unknown stop %q on route %q", stopTag, routeTag)
	}
	exists, err := tx.StopExists(ctx, stopID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, errors.Wrapf(ErrProtocolViolation, "prediction stop %d does not exist", stopID)
	}

	count := 0
	for _, dirEl := range predEl.FindAll("direction") {
		dirTag, _ := dirEl.Attr("tag")
		var directionID *int64
		if id, ok, err := tx.FindDirectionByTag(ctx, rl.RouteID, dirTag); err != nil {
			return count, err
		} else if ok {
			directionID = util.Ptr(id)
		}

		for _, p := range dirEl.FindAll("prediction") {
			sec, nsec, ok := normalize.EpochMillis(p.AttrOr("epochTime", ""))
			if !ok {
				continue
			}
			vehicle, _ := p.Attr("vehicle")
			pred := model.Prediction{
				RouteID:        rl.RouteID,
				StopID:         stopID,
				DirectionID:    directionID,
				Vehicle:        vehicle,
				PredictionTime: time.Unix(sec, nsec),
				Created:        t.Clock(),
				IsDeparture:    normalize.Bool(p.AttrOr("isDeparture", "false")),
				HasLayover:     normalize.Bool(p.AttrOr("affectedByLayover", "false")),
				Block:          p.AttrOr("block", ""),
			}
			if err := tx.InsertPrediction(ctx, pred); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// RefreshVehicleLocations implements
// refresh_vehicle_locations(route_set, truncate=false) (spec §4.6). The
// truncate flag has no effect: existing samples are never deleted here, only
// by EvictStale.
func (t *Tasks) RefreshVehicleLocations(ctx context.Context, routeSet map[string][]string, truncate bool) (int, error) {
	locks, err := t.Locks.AcquireForReaders(ctx, t.LockOpts)
	if err != nil {
		return 0, errors.Wrap(err, "acquire readers lock")
	}
	defer locks.Release(ctx)

	count := 0
	for agencyTag, routeTags := range routeSet {
		n, err := t.refreshVehicleLocationsForAgency(ctx, agencyTag, routeTags)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

func (t *Tasks) refreshVehicleLocationsForAgency(ctx context.Context, agencyTag string, routeTags []string) (int, error) {
	var lookup map[string]store.RouteLookup
	lastSeen := make(map[string]int64)
	err := t.Store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		lookup, err = tx.LoadRouteLookup(ctx, agencyTag)
		if err != nil {
			return err
		}
		for _, tag := range routeTags {
			rl, ok := lookup[tag]
			if !ok {
				continue
			}
			latest, err := tx.LatestVehicleLocationTime(ctx, rl.RouteID)
			if err != nil {
				return err
			}
			if latest.Valid {
				lastSeen[tag] = latest.Time.UnixMilli()
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	items := make([]upstream.BatchItem, 0, len(routeTags))
	for _, tag := range routeTags {
		if _, ok := lookup[tag]; !ok {
			continue
		}
		items = append(items, upstream.BatchItem{
			Params: upstream.Params{
				"command": {"vehicleLocations"},
				"a":       {agencyTag},
				"r":       {tag},
				"t":       {fmt.Sprintf("%d", lastSeen[tag])},
			},
			TagName: "vehicle",
			Source:  model.SourceVehicleLocations,
		})
	}
	if len(items) == 0 {
		return 0, nil
	}

	results := t.Upstream.AsyncRequest(ctx, items)
	now := t.Clock()

	count := 0
	err = t.Store.WithTx(ctx, func(tx *store.Tx) error {
		for _, res := range results {
			if res.Err != nil || res.Elements == nil {
				continue
			}
			for _, vEl := range res.Elements {
				routeTag, _ := vEl.Attr("routeTag")
				rl, ok := lookup[routeTag]
				if !ok {
					continue
				}
				n, err := t.persistVehicleElement(ctx, tx, rl, vEl, now)
				if err != nil {
					return err
				}
				count += n
			}
		}
		return nil
	})
	return count, err
}

func (t *Tasks) persistVehicleElement(ctx context.Context, tx *store.Tx, rl store.RouteLookup, vEl upstream.Element, now time.Time) (int, error) {
	vehicle, _ := vEl.Attr("id")
	secs := normalize.Float(vEl.AttrOr("secsSinceReport", "0"))

	var directionID *int64
	if dirTag, ok := vEl.Attr("dirTag"); ok {
		if id, found, err := tx.FindDirectionByTag(ctx, rl.RouteID, dirTag); err != nil {
			return 0, err
		} else if found {
			directionID = util.Ptr(id)
		}
	}

	loc := model.VehicleLocation{
		Vehicle:     vehicle,
		RouteID:     rl.RouteID,
		DirectionID: directionID,
		Lat:         normalize.Float(vEl.AttrOr("lat", "0")),
		Lon:         normalize.Float(vEl.AttrOr("lon", "0")),
		Time:        now.Add(-time.Duration(secs * float64(time.Second))),
		Predictable: normalize.Bool(vEl.AttrOr("predictable", "false")),
		Heading:     normalize.Heading(vEl.AttrOr("heading", "-1")),
		Speed:       normalize.Float(vEl.AttrOr("speedKmHr", "0")),
	}
	if err := tx.InsertVehicleLocation(ctx, loc); err != nil {
		return 0, err
	}
	return 1, nil
}

// RouteSetForAgencies loads every route tag currently known for each
// configured agency, the shape RefreshPredictions and
// RefreshVehicleLocations expect for a full sweep.
func (t *Tasks) RouteSetForAgencies(ctx context.Context, agencyTags []string) (map[string][]string, error) {
	routeSet := make(map[string][]string, len(agencyTags))
	err := t.Store.WithTx(ctx, func(tx *store.Tx) error {
		for _, tag := range agencyTags {
			tags, err := tx.ListRouteTagsForAgency(ctx, tag)
			if err != nil {
				return err
			}
			routeSet[tag] = tags
		}
		return nil
	})
	return routeSet, err
}

// EvictStale implements evict_stale(kind) (spec §4.6): deletes Predictions
// older than predictionsMaxAge and VehicleLocations older than
// locationsMaxAge. Returns the count of rows removed from each table.
func (t *Tasks) EvictStale(ctx context.Context, predictionsMaxAge, locationsMaxAge time.Duration) (predictionsEvicted, locationsEvicted int64, err error) {
	now := t.Clock()

	err = t.Store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		predictionsEvicted, err = tx.EvictStalePredictions(ctx, now.Add(-predictionsMaxAge))
		if err != nil {
			return err
		}
		locationsEvicted, err = tx.EvictStaleVehicleLocations(ctx, now.Add(-locationsMaxAge))
		return err
	})
	return predictionsEvicted, locationsEvicted, err
}
