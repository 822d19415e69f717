package normalize

import (
	"context"
	"math"

	"github.com/transitops/ingestd/internal/util"
	"github.com/transitops/ingestd/model"
)

// Candidate is a stop proposed by the upstream feed, not yet resolved to a
// persisted Stop row. StopID is the upstream's own stop identifier, if any
// (spec §3: Stop.stop_id), carried through to InsertStop on a first sighting
// but not used for matching.
type Candidate struct {
	Title  string
	Lat    float64
	Lon    float64
	StopID string
}

// StopFinder looks up existing stops sharing a title and within the
// configured lat/lon tolerance of the candidate. Implemented by store.Store.
type StopFinder interface {
	FindStopsByTitleNear(ctx context.Context, title string, lat, lon, latTol, lonTol float64) ([]model.Stop, error)
	UpdateStopMean(ctx context.Context, stopID int64, newLat, newLon float64, newCount int) error
	InsertStop(ctx context.Context, title string, lat, lon float64, stopID string) (int64, error)
}

// Coalesce implements get_or_create_stop (spec §4.5): find the nearest
// existing stop sharing the candidate's title within tolerance, update its
// running mean, or insert a new Stop if none matches.
func Coalesce(ctx context.Context, finder StopFinder, cand Candidate, latTol, lonTol float64) (int64, error) {
	matches, err := finder.FindStopsByTitleNear(ctx, cand.Title, cand.Lat, cand.Lon, latTol, lonTol)
	if err != nil {
		return 0, err
	}

	if len(matches) == 0 {
		return finder.InsertStop(ctx, cand.Title, cand.Lat, cand.Lon, cand.StopID)
	}

	survivor := nearest(matches, cand)

	n := survivor.LatLonCount
	newLat := round5((survivor.Lat*float64(n) + cand.Lat) / float64(n+1))
	newLon := round5((survivor.Lon*float64(n) + cand.Lon) / float64(n+1))

	if err := finder.UpdateStopMean(ctx, survivor.ID, newLat, newLon, n+1); err != nil {
		return 0, err
	}
	return survivor.ID, nil
}

// nearest selects the match minimizing Manhattan distance to cand, ties
// broken by lowest primary key.
func nearest(matches []model.Stop, cand Candidate) model.Stop {
	best := matches[0]
	bestDist := manhattan(best, cand)

	for _, m := range matches[1:] {
		d := manhattan(m, cand)
		if d < bestDist || (d == bestDist && m.ID < best.ID) {
			best = m
			bestDist = d
		}
	}
	return best
}

func manhattan(s model.Stop, cand Candidate) float64 {
	return util.AbsFloat64(s.Lat-cand.Lat) + util.AbsFloat64(s.Lon-cand.Lon)
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}
